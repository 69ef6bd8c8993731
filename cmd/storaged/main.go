package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/teekit/securestore/cache"
	"github.com/teekit/securestore/common"
	"github.com/teekit/securestore/cryptoutils"
	"github.com/teekit/securestore/encryption"
	"github.com/teekit/securestore/engine"
	"github.com/teekit/securestore/httpserver"
	"github.com/teekit/securestore/index"
	"github.com/teekit/securestore/integrity"
	"github.com/teekit/securestore/interfaces"
	"github.com/teekit/securestore/optimize"
	"github.com/teekit/securestore/policy"
	"github.com/teekit/securestore/sealing"
	"github.com/teekit/securestore/storage"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringSliceFlag{
		Name:  "backend",
		Value: cli.NewStringSlice("file://data/blobs"),
		Usage: "storage backend URI; repeat for replicated multi-backend storage",
	},
	&cli.StringFlag{
		Name:  "index-dir",
		Value: "data/index",
		Usage: "directory for the durable metadata index",
	},
	&cli.IntFlag{
		Name:  "cache-size",
		Value: 1024,
		Usage: "number of sealed entries held in the in-enclave cache",
	},
	&cli.Int64Flag{
		Name:  "max-payload-bytes",
		Value: 0,
		Usage: "maximum payload size in bytes (0 uses the engine default)",
	},
	&cli.StringFlag{
		Name:  "key-mode",
		Value: "seed",
		Usage: "master key provisioning: 'seed' or 'shamir'",
	},
	&cli.StringFlag{
		Name:  "master-key-seed",
		Value: "",
		Usage: "hex-encoded 32-byte master key (required if key-mode is 'seed')",
	},
	&cli.StringFlag{
		Name:  "admin-keys-file",
		Value: "",
		Usage: "JSON file with admin ed25519 public keys (required if key-mode is 'shamir')",
	},
	&cli.IntFlag{
		Name:  "shamir-threshold",
		Value: 2,
		Usage: "number of shares needed to reconstruct the master key",
	},
	&cli.IntFlag{
		Name:  "bootstrap-timeout",
		Value: 300,
		Usage: "timeout in seconds for share collection when using shamir key mode",
	},
	&cli.StringFlag{
		Name:  "roles-file",
		Value: "",
		Usage: "JSON file with role grants; defaults to an all-access 'admin' role",
	},
	&cli.StringFlag{
		Name:  "attestation",
		Value: "dcap",
		Usage: "attestation provider: 'dcap' or 'static' (static is for development only)",
	},
	&cli.StringFlag{
		Name:  "static-measurement",
		Value: "00",
		Usage: "hex measurement for the static attestation provider",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "storaged",
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

// adminKeysFile maps admin IDs to base64-encoded ed25519 public keys.
type adminKeysFile map[string]string

func loadAdminKeys(r io.Reader) (map[string]ed25519.PublicKey, error) {
	var raw adminKeysFile
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parsing admin keys: %w", err)
	}
	keys := make(map[string]ed25519.PublicKey, len(raw))
	for id, b64 := range raw {
		pk, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decoding key for admin %q: %w", id, err)
		}
		if len(pk) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("admin %q key has invalid size %d", id, len(pk))
		}
		keys[id] = ed25519.PublicKey(pk)
	}
	return keys, nil
}

// rolesFile maps role names to namespace grants.
type rolesFile map[string]map[string][]string

var permissionNames = map[string]interfaces.Permission{
	"store":         interfaces.PermStore,
	"retrieve":      interfaces.PermRetrieve,
	"delete":        interfaces.PermDelete,
	"list":          interfaces.PermList,
	"read-metadata": interfaces.PermReadMetadata,
}

func loadGrants(pol *policy.Engine, r io.Reader) error {
	var roles rolesFile
	if err := json.NewDecoder(r).Decode(&roles); err != nil {
		return fmt.Errorf("parsing roles: %w", err)
	}
	for role, namespaces := range roles {
		for namespace, permNames := range namespaces {
			perms := make([]interfaces.Permission, 0, len(permNames))
			for _, name := range permNames {
				perm, ok := permissionNames[name]
				if !ok {
					return fmt.Errorf("role %q: unknown permission %q", role, name)
				}
				perms = append(perms, perm)
			}
			pol.Grant(interfaces.Role(role), namespace, perms...)
		}
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:   "storaged",
		Usage:  "Serve the enclave-sealed storage API",
		Flags:  flags,
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	listenAddr := cCtx.String("listen-addr")
	metricsAddr := cCtx.String("metrics-addr")
	backendURIs := cCtx.StringSlice("backend")
	indexDir := cCtx.String("index-dir")
	cacheSize := cCtx.Int("cache-size")
	maxPayloadBytes := cCtx.Int64("max-payload-bytes")
	keyMode := cCtx.String("key-mode")
	adminKeysPath := cCtx.String("admin-keys-file")
	bootstrapTimeout := cCtx.Int("bootstrap-timeout")
	drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: cCtx.String("log-service"),
		Version: common.Version,
	})

	if cCtx.Bool("log-uid") {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}

	// Attestation provider
	var attestation interfaces.AttestationProvider
	switch cCtx.String("attestation") {
	case "dcap":
		attestation = &cryptoutils.DCAPAttestationProvider{}
	case "static":
		logger.Warn("Using static attestation provider; sealed data is not hardware bound")
		m, err := hex.DecodeString(cCtx.String("static-measurement"))
		if err != nil {
			return fmt.Errorf("invalid static-measurement: %w", err)
		}
		attestation = cryptoutils.NewStaticAttestationProvider(interfaces.Measurement(m))
	default:
		return fmt.Errorf("invalid attestation provider: %s", cCtx.String("attestation"))
	}

	// Master key provisioning
	var masterKey []byte
	var recovery *httpserver.RecoveryHandler

	switch keyMode {
	case "seed":
		seedHex := cCtx.String("master-key-seed")
		if seedHex == "" {
			logger.Error("master-key-seed is required when using seed key mode")
			return errors.New("master-key-seed is required for seed key mode")
		}
		seed, err := hex.DecodeString(seedHex)
		if err != nil || len(seed) != 32 {
			logger.Error("Invalid master-key-seed - must be 64 hex chars (32 bytes)", "err", err)
			return fmt.Errorf("invalid master-key-seed: %v", err)
		}
		masterKey = seed

	case "shamir":
		if adminKeysPath == "" {
			logger.Error("admin-keys-file is required when using shamir key mode")
			return errors.New("admin-keys-file is required for shamir key mode")
		}

		logger.Info("Loading admin keys", "file", adminKeysPath)
		f, err := os.Open(adminKeysPath)
		if err != nil {
			logger.Error("Failed to open admin keys file", "err", err)
			return err
		}
		adminKeys, err := loadAdminKeys(f)
		f.Close()
		if err != nil {
			logger.Error("Failed to load admin keys", "err", err)
			return err
		}
		logger.Info("Admin keys loaded", "count", len(adminKeys))

		ordered := make([]ed25519.PublicKey, 0, len(adminKeys))
		for _, pk := range adminKeys {
			ordered = append(ordered, pk)
		}
		bootstrap, err := sealing.NewShamirBootstrapRecovery(sealing.ShamirConfig{
			Threshold:    cCtx.Int("shamir-threshold"),
			AdminPubKeys: ordered,
		}, logger)
		if err != nil {
			logger.Error("Failed to create bootstrap", "err", err)
			return err
		}
		recovery = httpserver.NewRecoveryHandler(bootstrap, adminKeys, logger)

		// Serve only the recovery API until the key is reconstructed. The
		// engine cannot exist before the master key does.
		mux := chi.NewRouter()
		mux.Mount("/admin", recovery.Router())
		mux.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		bootstrapSrv := &http.Server{Addr: listenAddr, Handler: mux}
		go func() {
			logger.Info("Starting bootstrap server", "listenAddress", listenAddr)
			if err := bootstrapSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Bootstrap server failed", "err", err)
			}
		}()

		logger.Info("Waiting for master key shares", "timeout", bootstrapTimeout,
			"threshold", cCtx.Int("shamir-threshold"))
		select {
		case <-bootstrap.Unlocked():
		case <-time.After(time.Duration(bootstrapTimeout) * time.Second):
			logger.Error("Master key bootstrap timed out")
			return errors.New("master key bootstrap timed out")
		}

		masterKey, err = bootstrap.MasterKey()
		if err != nil {
			return err
		}
		logger.Info("Master key reconstructed")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		bootstrapSrv.Shutdown(shutdownCtx)
		cancel()

	default:
		logger.Error("Invalid key-mode", "mode", keyMode)
		return fmt.Errorf("invalid key-mode: %s", keyMode)
	}

	// The master key is never used directly; each concern gets its own
	// HKDF-derived subkey.
	sealingKey, err := cryptoutils.DeriveSubKey(masterKey, "sealing")
	if err != nil {
		return err
	}
	encryptionKey, err := cryptoutils.DeriveSubKey(masterKey, "encryption")
	if err != nil {
		return err
	}
	integrityKey, err := cryptoutils.DeriveSubKey(masterKey, "integrity")
	if err != nil {
		return err
	}
	cryptoutils.WipeBytes(masterKey)

	// Policy engine and grants
	pol := policy.NewEngine(policy.NewTokenBucketCounter(rate.Limit(100), 200),
		policy.NewSlogAuditLogger(logger), logger)
	if rolesPath := cCtx.String("roles-file"); rolesPath != "" {
		f, err := os.Open(rolesPath)
		if err != nil {
			logger.Error("Failed to open roles file", "err", err)
			return err
		}
		err = loadGrants(pol, f)
		f.Close()
		if err != nil {
			logger.Error("Failed to load roles", "err", err)
			return err
		}
	} else {
		logger.Warn("No roles file given; granting the 'admin' role full access")
		pol.Grant("admin", "*",
			interfaces.PermStore, interfaces.PermRetrieve, interfaces.PermDelete,
			interfaces.PermList, interfaces.PermReadMetadata)
	}

	// Engine collaborators
	opt, err := optimize.NewOptimizer(logger)
	if err != nil {
		return err
	}
	km, err := encryption.NewKeyManager(encryptionKey, logger)
	if err != nil {
		return err
	}
	seal, err := sealing.NewManager(sealing.AESGCMSealer{}, sealingKey, attestation,
		cryptoutils.NewKDFRegistry(), logger)
	if err != nil {
		return err
	}
	integ, err := integrity.NewManager(integrityKey, logger)
	if err != nil {
		return err
	}
	idx, err := index.NewManager(index.Options{Dir: indexDir}, logger)
	if err != nil {
		logger.Error("Failed to open index", "err", err, "dir", indexDir)
		return err
	}
	defer idx.Close()
	c, err := cache.NewManager(cacheSize, logger)
	if err != nil {
		return err
	}

	factory := storage.NewFactory(logger)
	var backend interfaces.StorageBackend
	if len(backendURIs) == 1 {
		backend, err = factory.BackendFor(backendURIs[0])
	} else {
		backend, err = factory.MultiBackendFor(backendURIs)
	}
	if err != nil {
		logger.Error("Failed to create storage backend", "err", err)
		return err
	}

	eng := engine.New(engine.Config{MaxPayloadSize: maxPayloadBytes},
		pol, opt, encryption.NewManager(km, logger), seal, integ, idx, c, backend, logger)

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              cCtx.Bool("pprof"),
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, httpserver.NewHandler(eng, logger), recovery)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	logger.Info("Starting server", "backend", backend.Name())
	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	srv.Shutdown()
	logger.Info("Server shutdown complete")

	return nil
}
