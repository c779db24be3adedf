package cli

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/testplanit/issuebridge/internal/version"
)

type startOptions struct {
	noServer    bool
	noWorker    bool
	noScheduler bool
}

func NewStartCommand() *cobra.Command {
	var opts startOptions

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the API server, sync worker and scheduler",
		Long: `Start the issuebridge service. By default one process serves the signed
integration API, runs queued sync jobs and schedules automatic syncs. Each part
can be disabled to run them as separate deployments.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opts)
		},
	}

	cmd.Flags().BoolVar(&opts.noServer, "no-server", false, "Do not serve the HTTP API")
	cmd.Flags().BoolVar(&opts.noWorker, "no-worker", false, "Do not process queued sync jobs")
	cmd.Flags().BoolVar(&opts.noScheduler, "no-scheduler", false, "Do not schedule automatic syncs")

	return cmd
}

func runStart(opts startOptions) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("version", version.GetVersion()).Msg("Starting issuebridge")

	container, err := loadContainer(ctx, !opts.noServer)
	if err != nil {
		return err
	}
	defer container.Close()

	var wg sync.WaitGroup

	if !opts.noScheduler {
		if err := container.SyncScheduler.Start(); err != nil {
			return err
		}
		defer container.SyncScheduler.Stop()
	}

	if !opts.noWorker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			container.Worker.Run(ctx)
		}()
	}

	if !opts.noServer {
		app, err := container.HTTPServer()
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}

		log.Info().Str("address", container.Config.HTTPAddress).Msg("HTTP server listening")

		if err := app.Listen(container.Config.HTTPAddress, fiber.ListenConfig{
			GracefulContext:       ctx,
			DisableStartupMessage: true,
		}); err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}

		cancel()
	} else {
		<-ctx.Done()
	}

	wg.Wait()

	log.Info().Msg("issuebridge stopped")
	return nil
}
