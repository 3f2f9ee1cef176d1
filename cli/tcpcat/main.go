package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sagernet/loopnet"
	E "github.com/sagernet/loopnet/common/exceptions"
	"github.com/sagernet/loopnet/common/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var logger = log.NewLogger("tcpcat")

func main() {
	f := new(flags)

	command := &cobra.Command{
		Use:     "tcpcat",
		Short:   "netcat-style TCP client and server",
		Version: loopnet.Version,
	}
	command.PersistentFlags().StringVarP(&f.ConfigFile, "config", "c", "", "Use a configuration file.")
	command.PersistentFlags().StringVarP(&f.Timeout, "timeout", "t", "", "Close sockets idle for this long.")
	command.PersistentFlags().StringVar(&f.ConnectTimeout, "connect-timeout", "", "Give up connecting after this long.")
	command.PersistentFlags().StringVar(&f.KeepAlive, "keepalive", "", "Enable TCP keepalive with this idle delay.")
	command.PersistentFlags().BoolVar(&f.NoDelay, "nodelay", false, "Disable Nagle's algorithm.")
	command.PersistentFlags().BoolVar(&f.HalfOpen, "half-open", false, "Keep writing after the peer ends its side.")
	command.PersistentFlags().StringVar(&f.Metrics, "metrics", "", "Serve Prometheus metrics on this address.")
	command.PersistentFlags().StringVar(&f.LogLevel, "log-level", "", "Set the log level.")
	command.PersistentFlags().BoolVarP(&f.Verbose, "verbose", "v", false, "Enable verbose mode.")

	connectCommand := &cobra.Command{
		Use:   "connect host port",
		Short: "Pipe stdin and stdout through a connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[1])
			if err != nil {
				return err
			}
			return run(f, func(instance *loopnet.Instance, o *options, done func(error)) {
				connect(instance, o, args[0], port, done)
			})
		},
	}
	listenCommand := &cobra.Command{
		Use:   "listen port [host]",
		Short: "Accept connections and echo or print what they send",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			var host string
			if len(args) > 1 {
				host = args[1]
			}
			return run(f, func(instance *loopnet.Instance, o *options, done func(error)) {
				listen(instance, o, host, port, done)
			})
		},
	}
	listenCommand.Flags().BoolVarP(&f.Echo, "echo", "e", false, "Echo received data back instead of printing it.")
	command.AddCommand(connectCommand, listenCommand)

	if err := command.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func parsePort(value string) (uint16, error) {
	port, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0, E.Cause(err, "bad port ", value)
	}
	return uint16(port), nil
}

func run(f *flags, start func(instance *loopnet.Instance, o *options, done func(error))) error {
	o, err := f.load()
	if err != nil {
		return err
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	instance, err := loopnet.New(loopnet.Options{
		ConnectTimeout: o.connectTimeout,
		Registerer:     registry,
	})
	if err != nil {
		return err
	}
	defer instance.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := instance.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return context.Cause(groupCtx)
		}
		return err
	})
	if o.metrics != "" {
		server := &http.Server{
			Addr:              o.metrics,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			logger.Info("metrics on ", o.metrics)
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return E.Cause(err, "serve metrics")
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	instance.Post(func() {
		start(instance, o, func(err error) {
			if err == nil {
				err = errFinished
			}
			cancel(err)
		})
	})
	err = group.Wait()
	if errors.Is(err, errFinished) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var errFinished = E.New("finished")
