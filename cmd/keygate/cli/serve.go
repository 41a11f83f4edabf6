package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zepia/keygate/internal/billing"
	"github.com/zepia/keygate/internal/metrics"
	"github.com/zepia/keygate/internal/server"
	"github.com/zepia/keygate/internal/service"
)

const banner = `
 _                       _
| | _____ _   _  __ _  __ _| |_ ___
| |/ / _ \ | | |/ _' |/ _' | __/ _ \
|   <  __/ |_| | (_| | (_| | ||  __/
|_|\_\___|\__, |\__, |\__,_|\__\___|
          |___/ |___/
`

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keygate API server",
		Long: `Start the HTTP server that admits clients, receives billing webhooks and
serves the operator API. The admission routes depend on admission.mode.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().String("mode", "login", "Admission mode: login or session")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("admission.mode", cmd.Flags().Lookup("mode"))

	return cmd
}

func runServe(dev bool) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	fmt.Print(banner)
	fmt.Println()

	logger := newLogger(settings, dev)

	// 1. Open the key store
	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("key store opened", "driver", settings.Store.Driver)

	// 2. Metrics and notification channels
	m := metrics.New()
	notify := newNotifier(settings, m, logger)
	defer notify.Wait()

	// 3. Admission controller and reconciler
	admission := service.NewAdmission(store, settings.AdmissionConfig(), logger)
	reconciler, err := newReconciler(settings, store, notify, logger)
	if err != nil {
		return err
	}

	// 4. Webhook verification and operator auth
	verifier := billing.NewVerifier(settings.Billing.WebhookSecret, settings.Billing.Tolerance)
	if !verifier.Enabled() {
		logger.Warn("billing.webhook_secret is empty - webhook signatures are NOT verified")
	}
	authSvc := service.NewAuthService(settings.Auth.JWTSecret)
	if !authSvc.Enabled() {
		logger.Warn("auth.jwt_secret is empty - operator API is disabled")
	}
	if len(settings.Billing.ProductIDs) == 0 {
		logger.Warn("billing.product_ids is empty - every product grants a key")
	}

	// 5. Build and start HTTP server
	srvCfg := server.Config{
		Host:            settings.Server.Host,
		Port:            settings.Server.Port,
		ShutdownTimeout: settings.Server.ShutdownTimeout,
		CORSOrigins:     settings.Server.CORSOrigins,
		RateLimit:       settings.Server.RateLimit,
		MaxBodySize:     settings.Server.MaxBodySize,
		BaseURL:         settings.Server.BaseURL,
		Version:         appVersion,
	}
	srv := server.New(srvCfg, server.Deps{
		Store:      store,
		Admission:  admission,
		Reconciler: reconciler,
		Auth:       authSvc,
		Verifier:   verifier,
		Metrics:    m,
	}, logger)

	host, port := settings.Server.Host, settings.Server.Port
	fmt.Printf("→ keygate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ Admission:  %s mode\n", settings.Admission.Mode)
	fmt.Printf("→ Webhook:    http://%s:%d/webhook\n", host, port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", host, port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", host, port)
	fmt.Println()

	return srv.ListenAndServe()
}
