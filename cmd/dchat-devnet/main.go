// Command dchat-devnet runs a self-contained ledger for local development:
// an in-memory ledger served over HTTP and an embedded MQTT broker carrying
// its live events and receipts.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bugsnag/bugsnag-go"
	"github.com/joho/godotenv"
	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eljojo/dchat/config"
	"github.com/eljojo/dchat/ledger"
	"github.com/eljojo/dchat/messages"
)

func main() {
	_ = godotenv.Load(".env")

	configPtr := flag.String("config", getEnv("DCHAT_CONFIG", "dchat.yaml"), "path to the YAML config file")
	httpAddrPtr := flag.String("http-addr", "", "ledger HTTP listen address")
	mqttPortPtr := flag.Int("mqtt-port", 0, "embedded MQTT broker port")
	verbosePtr := flag.Bool("verbose", false, "log debug stuff")
	flag.Parse()

	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	cfg, err := config.Load(*configPtr)
	if err != nil {
		logrus.Fatalf("💥 %v", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		logrus.Fatalf("💥 environment: %v", err)
	}
	if setFlags["http-addr"] {
		cfg.Devnet.HTTPAddr = *httpAddrPtr
	}
	if setFlags["mqtt-port"] {
		cfg.Devnet.MQTTPort = *mqttPortPtr
	}
	if *verbosePtr {
		cfg.Logging.Level = "debug"
	}
	cfg.ApplyLogging()

	if key := getEnv("BUGSNAG_API_KEY", ""); key != "" {
		bugsnag.Configure(bugsnag.Configuration{
			APIKey:          key,
			ReleaseStage:    "devnet",
			ProjectPackages: []string{"main", "github.com/eljojo/dchat*"},
		})
	}

	broker, err := startBroker(cfg.Devnet.MQTTPort)
	if err != nil {
		logrus.Fatalf("💥 broker: %v", err)
	}
	defer broker.Close()

	feedConfig := cfg.MQTT
	feedConfig.Host = fmt.Sprintf("tcp://127.0.0.1:%d", cfg.Devnet.MQTTPort)
	feedConfig.ClientID = "dchat-devnet"
	publisher := ledger.NewMQTTFeed(feedConfig)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = publisher.Connect(ctx)
	cancel()
	if err != nil {
		logrus.Fatalf("💥 %v", err)
	}
	defer publisher.Close()

	l := ledger.NewMemoryLedger()
	l.AddListener(func(e messages.RawEvent) {
		if err := publisher.PublishEvent(e); err != nil {
			logrus.Warnf("📡 publish %s: %v", e.LogFormat(), err)
		}
	})
	l.AddReceiptListener(func(r ledger.Receipt) {
		if err := publisher.PublishReceipt(r); err != nil {
			logrus.Warnf("🧾 publish receipt %s: %v", r.TxID, err)
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/", l.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: cfg.Devnet.HTTPAddr, Handler: mux}
	go func() {
		logrus.Infof("⛓️ ledger on %s, broker on :%d (topics under %s/)", cfg.Devnet.HTTPAddr, cfg.Devnet.MQTTPort, feedConfig.TopicPrefix)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("💥 http: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Println("babaayyy")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}

func startBroker(port int) (*mqttserver.Server, error) {
	server := mqttserver.New(nil)
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, err
	}
	tcp := listeners.NewTCP(listeners.Config{
		ID:      "devnet",
		Address: fmt.Sprintf(":%d", port),
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, err
	}
	go func() {
		if err := server.Serve(); err != nil {
			logrus.Errorf("💥 broker: %v", err)
		}
	}()
	return server, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
