package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bugsnag/bugsnag-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eljojo/dchat/config"
)

const usageText = `usage: dchat [flags] <command> [args]

commands:
  whoami                           show the configured account and its username
  register <username>              claim a username for the account
  contacts [search]                list friends and groups
  add-friend <address|username>    befriend someone
  create-group <name> [members]    create a group with member addresses
  history <conversation>           print a conversation once
  chat <conversation>              open a conversation and follow it; type to send
  send <conversation> <text>       send a text message
  attach <conversation> <file>     upload a file and send it

a conversation is a peer address (0x...) or a group id (group:7 or 7).

flags:
`

func main() {
	_ = godotenv.Load(".env")

	configPtr := flag.String("config", getEnv("DCHAT_CONFIG", "dchat.yaml"), "path to the YAML config file")
	accountPtr := flag.String("account", "", "account address to act as")
	ledgerURLPtr := flag.String("ledger-url", "", "ledger node URL")
	mqttHostPtr := flag.String("mqtt-host", "", "mqtt broker carrying the live feed")
	mqttUserPtr := flag.String("mqtt-user", "", "mqtt username")
	mqttPassPtr := flag.String("mqtt-pass", "", "mqtt password")
	ipfsAPIPtr := flag.String("ipfs-api", "", "IPFS API URL used for attachments")
	metricsAddrPtr := flag.String("metrics-addr", "", "serve prometheus metrics on this address (e.g. :9090)")
	verbosePtr := flag.Bool("verbose", false, "log debug stuff")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
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
	overrides := map[string]*string{
		"account":    &cfg.Account,
		"ledger-url": &cfg.Ledger.URL,
		"mqtt-host":  &cfg.MQTT.Host,
		"mqtt-user":  &cfg.MQTT.User,
		"mqtt-pass":  &cfg.MQTT.Pass,
		"ipfs-api":   &cfg.Blobs.APIURL,
	}
	values := map[string]string{
		"account":    *accountPtr,
		"ledger-url": *ledgerURLPtr,
		"mqtt-host":  *mqttHostPtr,
		"mqtt-user":  *mqttUserPtr,
		"mqtt-pass":  *mqttPassPtr,
		"ipfs-api":   *ipfsAPIPtr,
	}
	for name, dst := range overrides {
		if setFlags[name] {
			*dst = values[name]
		}
	}
	if setFlags["metrics-addr"] {
		cfg.Metrics.Address = *metricsAddrPtr
	}
	if *verbosePtr {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("💥 config: %v", err)
	}
	cfg.ApplyLogging()

	if key := getEnv("BUGSNAG_API_KEY", ""); key != "" {
		bugsnag.Configure(bugsnag.Configuration{
			APIKey:          key,
			ProjectPackages: []string{"main", "github.com/eljojo/dchat*"},
		})
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if cfg.Metrics.Address != "" {
		go serveMetrics(cfg.Metrics.Address)
	}

	app, err := newApp(cfg)
	if err != nil {
		logrus.Fatalf("💥 %v", err)
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.run(ctx, args[0], args[1:]); err != nil {
		app.close()
		logrus.Fatalf("💥 %s: %v", args[0], err)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logrus.Infof("📈 metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logrus.Warnf("📈 metrics server stopped: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
