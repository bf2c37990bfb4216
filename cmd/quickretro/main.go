package main

import (
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/folkengine/goname"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/vijeeshr/quickretro/config"
	"github.com/vijeeshr/quickretro/globals"
	"github.com/vijeeshr/quickretro/persistence"
	"github.com/vijeeshr/quickretro/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")

	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
)

func main() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		globals.AppLogger.Info("interrupted, shutting down")
		os.Exit(0)
	}()

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *sslCert != "" {
		cfg.Server.SSLCert = *sslCert
	}
	if *sslKey != "" {
		cfg.Server.SSLKey = *sslKey
	}

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	registry := ws.NewRegistry(cfg, persister)

	// scheduled sweep for boards past their auto-deletion time
	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := cronRunner.AddFunc(cfg.Retention.SweepSpec, func() {
		deleted, err := registry.SweepExpired(time.Now())
		if err != nil {
			globals.AppLogger.Error("board sweep failed", "error", err)
			return
		}
		if deleted > 0 {
			globals.AppLogger.Info("board sweep finished", "deleted", deleted)
		}
	}); err != nil {
		panic(err)
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	router := mux.NewRouter()
	router.HandleFunc("/api/board/create", func(w http.ResponseWriter, r *http.Request) {
		handleCreateBoard(cfg, persister, w, r)
	}).Methods(http.MethodPost)
	router.HandleFunc("/api/board/{id}/{user}", func(w http.ResponseWriter, r *http.Request) {
		handleGetBoard(persister, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/board/{id}/user/{user}/refresh", func(w http.ResponseWriter, r *http.Request) {
		handleRefreshMessages(persister, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/ws/{id}", func(w http.ResponseWriter, r *http.Request) {
		websocketHandler(registry, cfg, w, r)
	}).Methods(http.MethodGet)

	globals.AppLogger.Info("listening", "addr", cfg.Server.Addr)
	if cfg.Server.SSLCert != "" && cfg.Server.SSLKey != "" {
		err = http.ListenAndServeTLS(cfg.Server.Addr, cfg.Server.SSLCert, cfg.Server.SSLKey, router)
	} else {
		err = http.ListenAndServe(cfg.Server.Addr, router)
	}
	globals.AppLogger.Error("stopped listening", "error", err)
}

// websocketHandler upgrades the connection and hands it to the hub for the
// requested board. Identity is bound here, from the handshake: the board id
// from the path, xid and nickname from the query. Events arriving later on
// the socket cannot change it.
func websocketHandler(registry *ws.Registry, cfg *config.Config, w http.ResponseWriter, r *http.Request) {
	boardId := mux.Vars(r)["id"]
	if boardId == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	vals := r.URL.Query()
	xid := vals.Get("xid")
	if xid == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	nickname := strings.TrimSpace(vals.Get("nickname"))
	if nickname == "" {
		nickname = goname.New(goname.FantasyMap).FirstLast() + " (guest)"
	}

	hub, err := registry.Acquire(boardId)
	if err != nil {
		if err == persistence.ErrNotFound {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		globals.AppLogger.Error("could not acquire hub", "board", boardId, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		registry.Release(boardId)
		return
	}

	client := ws.NewClient(hub, registry, conn, cfg, xid, nickname)
	client.Start()
}
