// The relay binary runs on the parent instance. It forwards the enclave's
// egress channels to the instance metadata service, the regional object
// store and the regional KMS endpoint, and forwards inference traffic from
// an instance TCP port into the enclave. Destinations are resolved once at
// startup and pinned for the lifetime of the process.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/enclavekit/inference-bootstrap/cmd/flags"
	"github.com/enclavekit/inference-bootstrap/imds"
	"github.com/enclavekit/inference-bootstrap/metrics"
	"github.com/enclavekit/inference-bootstrap/proxy"
)

var relayFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "region",
		Usage: "AWS region for the object store and KMS destinations; resolved via the metadata service when empty",
	},
	&cli.UintFlag{
		Name:     "enclave-cid",
		Required: true,
		Usage:    "vsock context ID of the enclave",
	},
	&cli.StringFlag{
		Name:  "ingress-addr",
		Value: "0.0.0.0:8080",
		Usage: "instance address to accept inference traffic on",
	},
	&cli.StringFlag{
		Name:  "resolver-addr",
		Usage: "DNS resolver used to pin destination addresses (host:port, default local stub)",
	},
}

func main() {
	app := &cli.App{
		Name:   "relay",
		Usage:  "parent instance relay for the inference enclave",
		Flags:  append(relayFlags, flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	region := cCtx.String("region")
	if region == "" {
		metadata, err := imds.NewClient(imds.ClientConfig{Log: logger})
		if err != nil {
			return err
		}
		ictx, err := metadata.FetchInstanceContext(ctx)
		if err != nil {
			return fmt.Errorf("could not resolve region from instance metadata: %w", err)
		}
		region = ictx.Region
	}

	enclaveCID := uint32(cCtx.Uint("enclave-cid"))
	enclaveIngress := proxy.VSockEndpoint(enclaveCID, proxy.InferenceVsockPort)

	allowlist, err := proxy.HostAllowlist(region, enclaveIngress)
	if err != nil {
		return err
	}

	s3Host := fmt.Sprintf("s3.%s.amazonaws.com", region)
	kmsHost := fmt.Sprintf("kms.%s.amazonaws.com", region)

	resolver := proxy.NewPinnedResolver(cCtx.String("resolver-addr"), logger)
	if err := resolver.Pin(s3Host, kmsHost); err != nil {
		return fmt.Errorf("could not pin relay destinations: %w", err)
	}

	bridge, err := proxy.NewBridge(proxy.BridgeConfig{
		Allowlist: allowlist,
		Log:       logger,
		Dial:      resolver.DialContext,
	})
	if err != nil {
		return err
	}

	ingressListen := cCtx.String("ingress-addr")
	ingressEndpoint, err := proxy.ParseEndpoint("tcp://" + ingressListen)
	if err != nil {
		return fmt.Errorf("invalid ingress address: %w", err)
	}

	channels := []proxy.ChannelConfig{
		{Name: "metadata", Direction: proxy.DirectionEgress,
			Listen: proxy.VSockEndpoint(proxy.AnyCID, proxy.MetadataVsockPort),
			Dial:   proxy.TCPEndpoint(proxy.MetadataServiceHost, 80)},
		{Name: "object-store", Direction: proxy.DirectionEgress,
			Listen: proxy.VSockEndpoint(proxy.AnyCID, proxy.ObjectStoreVsockPort),
			Dial:   proxy.TCPEndpoint(s3Host, 443)},
		{Name: "kms", Direction: proxy.DirectionEgress,
			Listen: proxy.VSockEndpoint(proxy.AnyCID, proxy.KMSVsockPort),
			Dial:   proxy.TCPEndpoint(kmsHost, 443)},
		{Name: "inference", Direction: proxy.DirectionIngress,
			Listen: ingressEndpoint,
			Dial:   enclaveIngress},
	}

	for _, chCfg := range channels {
		if _, err := bridge.Open(chCfg); err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			bridge.Close(closeCtx) //nolint:errcheck
			cancel()
			return err
		}
	}

	var metricsSrv *metrics.MetricsServer
	if metricsAddr := cCtx.String(flags.MetricsAddrFlag.Name); metricsAddr != "" {
		metricsSrv, err = metrics.New("relay", metricsAddr)
		if err != nil {
			return err
		}
		go func() {
			logger.Info("Starting metrics server", "metricsAddress", metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil {
				logger.Error("Metrics server failed", "err", err)
			}
		}()
	}

	logger.Info("Relay running",
		"region", region,
		"enclave_cid", enclaveCID,
		"ingress", ingressEndpoint.String())

	<-ctx.Done()
	logger.Info("Shutting down relay")

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := bridge.Close(closeCtx); err != nil {
		logger.Error("Failed to stop all channels cleanly", "err", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(closeCtx); err != nil {
			logger.Error("Failed to stop metrics server", "err", err)
		}
	}
	return nil
}
