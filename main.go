package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/sessionfabric/control-plane/src/api"
	"github.com/sessionfabric/control-plane/src/auth"
	"github.com/sessionfabric/control-plane/src/bridge"
	"github.com/sessionfabric/control-plane/src/manager"
	"github.com/sessionfabric/control-plane/src/metrics"
	"github.com/sessionfabric/control-plane/src/registry"
	"github.com/sessionfabric/control-plane/src/store"
	"github.com/sessionfabric/control-plane/src/tma"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found")
	}

	port := flag.Int("port", 8080, "Port to listen on")
	dbPath := flag.String("db", envOr("CONTROL_PLANE_DB", "control-plane.db"), "SQLite database path")
	dataDir := flag.String("data-dir", envOr("CONTROL_PLANE_DATA_DIR", "./data"), "Directory for rich session event logs and fifos")
	defaultShell := flag.String("shell", envOr("DEFAULT_SHELL", "/bin/bash"), "Default shell for terminal sessions")
	authSecret := flag.String("auth-secret", os.Getenv("AUTH_SECRET"), "HMAC secret for owner session JWTs")
	agentToken := flag.String("executor-token", os.Getenv("EXECUTOR_TOKEN"), "Static bearer token accepted from executor agents, for local dev")
	flag.Parse()

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	tmaMgr := tma.NewManager()
	bridges := bridge.NewRegistry(tmaMgr)
	mgr := manager.New(st, tmaMgr, bridges, *dataDir, *defaultShell)
	reg := registry.New(st)
	mgr.SetRegistry(reg)
	reg.SetAdoptionCallback(mgr.AdoptSession)

	if *authSecret == "" {
		log.Printf("Warning: AUTH_SECRET not set, using an ephemeral secret (owner sessions will not survive a restart)")
		*authSecret = randomSecret()
	}
	issuer := auth.NewIssuer(*authSecret, 7*24*time.Hour)

	stopHeartbeats := make(chan struct{})
	go reg.MonitorHeartbeats(stopHeartbeats)
	defer close(stopHeartbeats)

	go reportMetrics(mgr, reg)

	router := api.SetupRouter(api.Deps{
		Store:      st,
		Manager:    mgr,
		Registry:   reg,
		Issuer:     issuer,
		DataDir:    *dataDir,
		AgentToken: *agentToken,
	}, false, true)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Starting control plane on %s", addr)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// reportMetrics periodically pushes the executor-online gauge. Nothing
// sets the sessions-active gauge; it stays empty.
func reportMetrics(mgr *manager.Manager, reg *registry.Registry) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		execs, err := mgr.ListExecutors()
		if err != nil {
			continue
		}
		online := 0
		for _, e := range execs {
			if reg.IsOnline(e.ID) {
				online++
			}
		}
		metrics.ExecutorsOnline.Set(float64(online))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "insecure-development-secret"
	}
	return fmt.Sprintf("%x", buf)
}
