package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"google.golang.org/grpc"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/metrics"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/persistence"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/simd"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/logger"
)

type serveOptions struct {
	grpcAddr        string
	httpAddr        string
	checkpointStore string
	checkpointPath  string
	retain          int
	shutdownTimeout time.Duration
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP and gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(cmd, "info")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.grpcAddr, "grpc-addr", ":50051", "gRPC listen address; empty disables gRPC")
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&opts.checkpointStore, "checkpoint-store", "", "Checkpoint store: file or sqlite; empty keeps runs in memory only")
	cmd.Flags().StringVar(&opts.checkpointPath, "checkpoint-path", "checkpoints", "Checkpoint directory (file) or database (sqlite)")
	cmd.Flags().IntVar(&opts.retain, "retain", simd.DefaultRetainedRuns, "Finished runs kept in memory")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 10*time.Second, "Time allowed for checkpointing running runs on shutdown")
	return cmd
}

// serve runs the daemon until ctx is cancelled. Running runs are
// checkpointed on shutdown.
func serve(ctx context.Context, opts serveOptions) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	recorder := metrics.NewRecorder("diffusion")
	runs, err := simd.NewRunStore(opts.retain, recorder.Forget)
	if err != nil {
		return err
	}
	execOpts := []simd.ExecutorOption{
		simd.WithRecorder(recorder),
		simd.WithNotifier(simd.NewNotifier()),
		simd.WithExecutorLogger(logger.Default),
	}
	if opts.checkpointStore != "" {
		store, err := persistence.Open(ctx, opts.checkpointStore, opts.checkpointPath)
		if err != nil {
			return err
		}
		execOpts = append(execOpts, simd.WithCheckpointStore(store))
	}
	executor := simd.NewRunExecutor(runs, execOpts...)

	var grpcServer *grpc.Server
	if opts.grpcAddr != "" {
		grpcLis, err := net.Listen("tcp", opts.grpcAddr)
		if err != nil {
			return multierr.Append(fmt.Errorf("failed to listen for gRPC on %s: %w", opts.grpcAddr, err), executor.Close(context.Background()))
		}
		// TODO: configure TLS and authentication before exposing the gRPC port beyond localhost.
		grpcServer = grpc.NewServer()
		simd.RegisterSimulationServiceServer(grpcServer, simd.NewSimulationGRPCServer(executor))
		go func() {
			logger.Info("gRPC server listening", "addr", grpcLis.Addr().String())
			if err := grpcServer.Serve(grpcLis); err != nil {
				logger.Error("gRPC server error", "error", err)
				stop()
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              opts.httpAddr,
		Handler:           simd.NewHTTPServer(executor, recorder).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", opts.httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	err = httpSrv.Shutdown(shutdownCtx)
	err = multierr.Append(err, executor.Close(shutdownCtx))
	if err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return err
}
