package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/executor"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/httpapi"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/validator"
)

const (
	shutdownTimeout = 10 * time.Second
	asyncRetention  = 15 * time.Minute
)

func serveCmd() *cobra.Command {
	var (
		addr           string
		requestTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the instruction API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr != "" {
				config.ListenAddr = addr
			}

			m, err := newModels(ctx, config, logger)
			if err != nil {
				return err
			}
			a, err := buildApp(config, m, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn("shutdown was not clean", zap.Error(err))
				}
			}()

			opts := []httpapi.Option{
				httpapi.WithGatherer(a.metrics),
				httpapi.WithLogger(logger.Named("http")),
				httpapi.WithRequestTimeout(requestTimeout),
			}
			if a.collector != nil {
				opts = append(opts, httpapi.WithTraces(a.collector))
			}
			api, err := httpapi.New(a.engine, opts...)
			if err != nil {
				return err
			}
			return serve(ctx, config.ListenAddr, api.Handler(), a.engine)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides listen_addr")
	cmd.Flags().DurationVar(&requestTimeout, "request-timeout", 30*time.Second, "bound on one synchronous instruction")
	return cmd
}

// serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully. Finished async executions are swept while it runs.
func serve(ctx context.Context, addr string, handler http.Handler, engine *dragonscale.DragonScale) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(asyncRetention)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := engine.CleanupCompletedExecutions(asyncRetention); n > 0 {
					logger.Debug("removed finished async executions", zap.Int("count", n))
				}
			}
		}
	})
	return g.Wait()
}

func runCmd() *cobra.Command {
	var (
		planPath     string
		actingUser   string
		screen       string
		conversation string
	)
	cmd := &cobra.Command{
		Use:   "run [instruction]",
		Short: "Process one instruction, or replay a plan file with --plan",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if planPath != "" {
				a, err := buildApp(config, nil, logger)
				if err != nil {
					return err
				}
				defer a.Close()
				resp, err := replay(ctx, a, planPath)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			}

			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return fmt.Errorf("an instruction or --plan is required")
			}
			m, err := newModels(ctx, config, logger)
			if err != nil {
				return err
			}
			a, err := buildApp(config, m, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			resp := a.engine.Process(ctx, dragonscale.Instruction{
				Text: text,
				AppContext: dragonscale.AppContext{
					CurrentScreen:         screen,
					ActingUserID:          actingUser,
					CurrentConversationID: conversation,
				},
			})
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "YAML or JSON plan file to validate and run")
	cmd.Flags().StringVarP(&actingUser, "user", "u", "u-me", "acting user id")
	cmd.Flags().StringVar(&screen, "screen", "home", "current screen")
	cmd.Flags().StringVar(&conversation, "conversation", "", "active conversation id")
	return cmd
}

// replay validates a plan file like a planned chain and executes it.
func replay(ctx context.Context, a *app, path string) (dragonscale.Response, error) {
	pf, plan, err := executor.LoadAndValidatePlan(path, a.registry)
	if err != nil {
		return dragonscale.Response{}, err
	}
	instr := pf.ToInstruction()
	if err := validator.ValidateInstruction(instr); err != nil {
		return dragonscale.ErrorResponse(err, nil), nil
	}
	cc := dragonscale.NewChainContext(instr, "replay-"+pf.Name, a.cfg.EffectiveChainLength(instr))
	if err := a.validator.ValidateChain(plan, cc); err != nil {
		return dragonscale.ErrorResponse(err, nil), nil
	}
	result, err := a.executor.ExecuteChain(ctx, plan, cc)
	if err != nil {
		return dragonscale.ErrorResponse(err, result), nil
	}
	return dragonscale.NewResponseSynthesizer().Synthesize(result), nil
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the tool catalog offered to the reasoning service",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(config, nil, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return printJSON(cmd.OutOrStdout(), a.registry.Definitions())
		},
	}
}
