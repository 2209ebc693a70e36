package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis/internal/ambient"
	"github.com/pawelmojski/portcullis/internal/audit"
	"github.com/pawelmojski/portcullis/internal/config"
	"github.com/pawelmojski/portcullis/internal/expiry"
	"github.com/pawelmojski/portcullis/internal/metrics"
	"github.com/pawelmojski/portcullis/internal/model"
	"github.com/pawelmojski/portcullis/internal/policy"
	"github.com/pawelmojski/portcullis/internal/pool"
	"github.com/pawelmojski/portcullis/internal/rdpfrontend"
	"github.com/pawelmojski/portcullis/internal/registry"
	"github.com/pawelmojski/portcullis/internal/sshfrontend"
	"github.com/pawelmojski/portcullis/internal/store/postgres"
	"github.com/pawelmojski/portcullis/internal/transcode"
)

// runServe boots the whole proxy runtime: Policy Store connection, Pool,
// Policy Engine, Session Registry, Expiry Ticker, Audit Sink, Metrics, the
// SSH and RDP front-ends for every active allocation, and the Transcode
// Queue, then blocks until an interrupt/terminate signal arrives.
func runServe(ctx context.Context) int {
	ambient.InitLogger(ambient.LoggingForDaemon, logrus.InfoLevel)
	log := ambient.Component("serve")

	cfg, err := config.FromEnv()
	if err != nil {
		log.WithError(err).Error("invalid configuration")
		return exitUsage
	}

	db, err := postgres.Open(ctx, cfg.DBURL)
	if err != nil {
		log.WithError(err).Error("failed to connect to the policy store")
		return exitOther
	}
	defer db.Close()
	st := postgres.NewStore(db)

	clock := clockwork.NewRealClock()

	registerer := prometheus.DefaultRegisterer
	m := metrics.New(registerer)

	as := audit.New(st.Audits, clock.Now, ambient.Component("audit"), m.Admits, m.Denies)

	reg := registry.New(st, clock, as)
	if err := reg.RestoreActive(ctx); err != nil {
		log.WithError(err).Error("failed to restore active stays")
		return exitOther
	}

	pl, err := pool.New(ctx, st.Allocations, st.Backends, 4096, reg.ActiveStayOnProxyIP)
	if err != nil {
		log.WithError(err).Error("failed to warm the pool")
		return exitOther
	}

	engine, err := policy.New(st, pl, clock.Now)
	if err != nil {
		log.WithError(err).Error("failed to construct the policy engine")
		return exitOther
	}

	ticker := expiry.New(reg, engine, st.Policies, clock, ambient.Component("expiry"))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := ticker.Run(runCtx); err != nil {
			log.WithError(err).Warn("expiry ticker stopped")
		}
	}()
	go postgres.ListenPolicyWrites(runCtx, cfg.DBURL, ticker.NotifyWrite, ambient.Component("expiry-listen"))

	sshSrv, err := sshfrontend.New(sshfrontend.Config{
		DataDir:  cfg.DataDir,
		Port:     cfg.SSHListenPort,
		Engine:   engine,
		Registry: reg,
		Ticker:   ticker,
		Audit:    as,
		Metrics:  m,
		Clock:    clock,
		Logger:   ambient.Component("sshfrontend"),
	})
	if err != nil {
		log.WithError(err).Error("failed to construct the SSH front-end")
		return exitOther
	}

	rdpSrv, err := rdpfrontend.New(rdpfrontend.Config{
		DataDir:  cfg.DataDir,
		Port:     cfg.RDPListenPort,
		Engine:   engine,
		Registry: reg,
		Audit:    as,
		Clock:    clock,
		Log:      ambient.Component("rdpfrontend"),
	})
	if err != nil {
		log.WithError(err).Error("failed to construct the RDP front-end")
		return exitOther
	}

	allocations, err := st.Allocations.AllActive(ctx)
	if err != nil {
		log.WithError(err).Error("failed to enumerate active allocations")
		return exitOther
	}
	for _, a := range allocations {
		b, err := st.Backends.Get(ctx, a.BackendID)
		if err != nil {
			continue
		}
		if b.SSHEnabled {
			if err := sshSrv.ListenProxyIP(runCtx, a.ProxyIP); err != nil {
				log.WithError(err).WithField("proxy_ip", a.ProxyIP).Error("failed to bind SSH listener")
			}
		}
		if b.RDPEnabled {
			if err := rdpSrv.ListenProxyIP(runCtx, a.ProxyIP); err != nil {
				log.WithError(err).WithField("proxy_ip", a.ProxyIP).Error("failed to bind RDP listener")
			}
		}
	}

	tq, err := transcode.New(transcode.Config{
		Jobs:    st.Transcode,
		Metrics: m,
		Clock:   clock,
		Log:     ambient.Component("transcode"),
		Workers: cfg.TranscodeWorkers,
		MaxPending: cfg.TranscodeQueueMax,
		Transcoder: &transcode.SubprocessTranscoder{
			RecordingDir: cfg.DataDir + "/recordings/rdp",
			Command:      transcode.DefaultFFmpegCommand,
			Log:          ambient.Component("transcode"),
		},
	})
	if err != nil {
		log.WithError(err).Error("failed to construct the transcode queue")
		return exitOther
	}
	go func() {
		if err := tq.Run(runCtx); err != nil {
			log.WithError(err).Warn("transcode queue stopped")
		}
	}()

	go serveMetricsHTTP(log)

	log.Info("portcullis is serving")
	waitForShutdown(log)
	cancel()
	for _, s := range reg.AllActive() {
		_ = reg.Close(context.Background(), s.ID, model.TerminationServerClosed)
	}
	return exitOK
}

func serveMetricsHTTP(log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(":9090", mux); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Warn("metrics endpoint stopped")
	}
}

func waitForShutdown(log *logrus.Entry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
}
