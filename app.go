package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/elisaul77/kybercore/fleet"
	"github.com/elisaul77/kybercore/hub"
	"github.com/elisaul77/kybercore/orchestrator"
	"github.com/elisaul77/kybercore/slicer"
	"github.com/elisaul77/kybercore/store"
)

// taskSweepInterval is how often terminal tasks are checked for expiry.
const taskSweepInterval = time.Hour

// App encapsulates the service state and dependencies.
type App struct {
	Config    *Config
	Sessions  *store.SessionStore
	Tasks     *store.TaskRegistry
	Slicer    *slicer.Client
	Batches   *orchestrator.Orchestrator
	Fleet     *fleet.Service
	Hub       *hub.Hub
	Monitor   *fleet.Monitor
	Publisher *fleet.Publisher

	mqttClient  mqtt.Client
	sweeperStop chan struct{}
}

// NewApp wires all components from the loaded configuration.
func NewApp(config *Config) (*App, error) {
	sessions, err := store.NewSessionStore(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("initializing session store: %w", err)
	}
	tasks := store.NewTaskRegistry()

	var slicerOpts []slicer.Option
	if config.Slicer.MaxRetries > 0 {
		slicerOpts = append(slicerOpts, slicer.WithMaxRetries(config.Slicer.MaxRetries))
	}
	if config.Slicer.RetryDelaySeconds != nil {
		slicerOpts = append(slicerOpts, slicer.WithRetryDelay(time.Duration(*config.Slicer.RetryDelaySeconds)*time.Second))
	}
	slicerOpts = append(slicerOpts, slicer.WithTimeouts(
		time.Duration(config.Slicer.RotateTimeoutSeconds)*time.Second,
		time.Duration(config.Slicer.SliceTimeoutSeconds)*time.Second,
	))
	gateway := slicer.New(config.Slicer.URL, slicerOpts...)

	fleetSvc, err := fleet.NewService(config.Fleet.PrintersFile)
	if err != nil {
		return nil, fmt.Errorf("initializing fleet: %w", err)
	}

	a := &App{
		Config:      config,
		Sessions:    sessions,
		Tasks:       tasks,
		Slicer:      gateway,
		Batches:     orchestrator.New(sessions, tasks, gateway, config.Rotation.WorkerPoolSize),
		Fleet:       fleetSvc,
		Hub:         hub.New(fleetSvc),
		sweeperStop: make(chan struct{}),
	}

	// Optional MQTT status bridge. A missing broker never blocks startup.
	var sink fleet.StatusSink
	if config.MQTT.Broker != "" {
		client, err := connectMQTT(config)
		if err != nil {
			log.Printf("Warning: MQTT bridge disabled: %v", err)
		} else {
			a.mqttClient = client
			a.Publisher = fleet.NewPublisher(client, config.MQTT.PublishPrefix)
			sink = a.Publisher
			log.Printf("[MQTT] status bridge publishing under %s/", config.MQTT.PublishPrefix)
		}
	}

	a.Monitor = fleet.NewMonitor(fleetSvc, a.Hub, sink,
		time.Duration(config.Fleet.UpdateIntervalSeconds)*time.Second)

	go tasks.RunSweeper(a.sweeperStop, taskSweepInterval, store.DefaultTaskRetention)

	return a, nil
}

// connectMQTT dials the configured broker with auto-reconnect.
func connectMQTT(config *Config) (mqtt.Client, error) {
	clientID := config.MQTT.ClientID
	if clientID == "" {
		clientID = "kybercore"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTT.Broker)
	opts.SetClientID(clientID)
	if config.MQTT.Username != "" {
		opts.SetUsername(config.MQTT.Username)
		opts.SetPassword(config.MQTT.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[MQTT] connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Printf("[MQTT] connected to %s", config.MQTT.Broker)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connecting to broker %s: timeout", config.MQTT.Broker)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("connecting to broker %s: %w", config.MQTT.Broker, token.Error())
	}
	return client, nil
}

// Run starts the fleet monitor and HTTP server, then blocks until an
// interrupt signal arrives and the service has shut down.
func (a *App) Run() error {
	a.Monitor.Start()

	addr := fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: newHTTPServer(a),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[HTTP] Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("HTTP server: %w", err)
	case sig := <-sigChan:
		log.Printf("Received %s, shutting down...", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Warning: HTTP shutdown: %v", err)
	}

	a.Shutdown()
	fmt.Println("Service stopped")
	return nil
}

// Shutdown stops background workers in dependency order: the monitor
// first so nothing broadcasts into a closing hub, then the hub, then the
// MQTT bridge.
func (a *App) Shutdown() {
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	if a.Hub != nil {
		a.Hub.Shutdown()
	}
	if a.mqttClient != nil {
		a.mqttClient.Disconnect(250)
	}
	close(a.sweeperStop)
}
