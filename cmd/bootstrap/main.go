// The bootstrap binary runs inside the enclave. It verifies the image
// measurement against the trust anchor, opens the relay channels to the
// parent instance, fetches credentials and ciphertext artifacts, unwraps
// the model data key through KMS, decrypts the weights in enclave memory,
// and supervises the inference server until it exits.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/enclavekit/inference-bootstrap/attestation"
	"github.com/enclavekit/inference-bootstrap/cmd/flags"
	"github.com/enclavekit/inference-bootstrap/httpserver"
	"github.com/enclavekit/inference-bootstrap/imds"
	"github.com/enclavekit/inference-bootstrap/inference"
	"github.com/enclavekit/inference-bootstrap/interfaces"
	"github.com/enclavekit/inference-bootstrap/kms"
	"github.com/enclavekit/inference-bootstrap/proxy"
	"github.com/enclavekit/inference-bootstrap/storage"
	"github.com/enclavekit/inference-bootstrap/supervisor"
)

var bootstrapFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for the status API",
	},
	flags.ImageIDFlag,
	&cli.StringFlag{
		Name:     "image-path",
		Required: true,
		Usage:    "path to the candidate enclave image artifact to measure",
	},
	&cli.StringFlag{
		Name:  "signer-cert",
		Usage: "path to the image signing certificate (PEM or DER)",
	},
	flags.AnchorURIFlag,
	flags.AnchorContractFlag,
	flags.RPCAddrFlag,
	&cli.StringFlag{
		Name:     "artifacts-uri",
		Required: true,
		Usage:    "ciphertext artifact location, e.g. s3://bucket/prefix?region=eu-west-1 or file://dir",
	},
	&cli.StringFlag{
		Name:  "staging-dir",
		Value: "/var/tmp/model-staging",
		Usage: "enclave-local directory for ciphertexts and decrypted weights",
	},
	&cli.StringFlag{
		Name:     "inference-cmd",
		Required: true,
		Usage:    "inference server command line; model paths are appended",
	},
	&cli.UintFlag{
		Name:  "inference-port",
		Value: 11434,
		Usage: "local port the inference server listens on",
	},
	&cli.BoolFlag{
		Name:  "with-projector",
		Usage: "also decrypt the auxiliary projection weights (failure is non-fatal)",
	},
	&cli.BoolFlag{
		Name:  "scrub-plaintext",
		Value: true,
		Usage: "remove decrypted weights during teardown",
	},
	&cli.StringFlag{
		Name:  "metadata-listen",
		Value: "tcp://127.0.0.1:8201",
		Usage: "local endpoint of the metadata egress channel",
	},
	&cli.StringFlag{
		Name:  "object-store-listen",
		Value: "tcp://127.0.0.1:8202",
		Usage: "local endpoint of the object-store egress channel",
	},
	&cli.StringFlag{
		Name:  "kms-listen",
		Value: "tcp://127.0.0.1:8203",
		Usage: "local endpoint of the KMS egress channel",
	},
	&cli.StringFlag{
		Name:  "ingress-listen",
		Value: "vsock://any:8004",
		Usage: "listen endpoint of the inference ingress channel",
	},
	&cli.StringFlag{
		Name:  "attestation-listen",
		Value: "vsock://any:5000",
		Usage: "listen endpoint of the attestation document server",
	},
	&cli.IntFlag{
		Name:  "probe-attempts",
		Value: inference.DefaultProbeAttempts,
		Usage: "readiness probe budget",
	},
	&cli.DurationFlag{
		Name:  "probe-interval",
		Value: inference.DefaultProbeInterval,
		Usage: "readiness probe interval",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "development mode: static attestation instead of the NSM device",
	},
	&cli.StringFlag{
		Name:  "dev-attestation-doc",
		Usage: "canned attestation document file for --dev",
	},
	&cli.StringFlag{
		Name:  "dev-kms-endpoint",
		Usage: "KMS endpoint override for --dev",
	},
}

func main() {
	app := &cli.App{
		Name:   "bootstrap",
		Usage:  "confidential inference enclave bootstrap",
		Flags:  append(bootstrapFlags, flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	image, err := interfaces.NewImageIDFromHex(cCtx.String(flags.ImageIDFlag.Name))
	if err != nil {
		return err
	}

	anchor, err := flags.BuildAnchorRegistry(cCtx, logger)
	if err != nil {
		return err
	}

	var signerCert []byte
	if certPath := cCtx.String("signer-cert"); certPath != "" {
		signerCert, err = os.ReadFile(certPath)
		if err != nil {
			return fmt.Errorf("failed to read signer certificate: %w", err)
		}
	}

	verifier := &supervisor.AnchorVerifier{
		Anchor:     anchor,
		Image:      image,
		ImagePath:  cCtx.String("image-path"),
		SignerCert: signerCert,
		Log:        logger,
	}

	metadataListen, err := proxy.ParseEndpoint(cCtx.String("metadata-listen"))
	if err != nil {
		return err
	}
	objectStoreListen, err := proxy.ParseEndpoint(cCtx.String("object-store-listen"))
	if err != nil {
		return err
	}
	kmsListen, err := proxy.ParseEndpoint(cCtx.String("kms-listen"))
	if err != nil {
		return err
	}
	ingressListen, err := proxy.ParseEndpoint(cCtx.String("ingress-listen"))
	if err != nil {
		return err
	}

	inferencePort := uint32(cCtx.Uint("inference-port"))
	inferenceDial := proxy.TCPEndpoint("127.0.0.1", inferencePort)

	bridge, err := proxy.NewBridge(proxy.BridgeConfig{
		Allowlist: proxy.EnclaveAllowlist(inferenceDial),
		Log:       logger,
	})
	if err != nil {
		return err
	}

	channels := []proxy.ChannelConfig{
		{Name: "metadata", Direction: proxy.DirectionEgress,
			Listen: metadataListen, Dial: proxy.VSockEndpoint(proxy.ParentCID, proxy.MetadataVsockPort)},
		{Name: "object-store", Direction: proxy.DirectionEgress,
			Listen: objectStoreListen, Dial: proxy.VSockEndpoint(proxy.ParentCID, proxy.ObjectStoreVsockPort)},
		{Name: "kms", Direction: proxy.DirectionEgress,
			Listen: kmsListen, Dial: proxy.VSockEndpoint(proxy.ParentCID, proxy.KMSVsockPort)},
		{Name: "inference", Direction: proxy.DirectionIngress,
			Listen: ingressListen, Dial: inferenceDial},
	}

	metadata, err := imds.NewClient(imds.ClientConfig{
		BaseURL: "http://" + metadataListen.Host + fmt.Sprintf(":%d", metadataListen.Port),
		Log:     logger,
	})
	if err != nil {
		return err
	}

	provider, err := buildProvider(cCtx)
	if err != nil {
		return err
	}

	unwrapper, err := kms.NewClient(kms.ClientConfig{
		Endpoint:   cCtx.String("dev-kms-endpoint"),
		HTTPClient: proxy.NewChannelHTTPClient(kmsListen, 30*time.Second),
		Provider:   provider,
		Log:        logger,
	})
	if err != nil {
		return err
	}

	artifactsURI := cCtx.String("artifacts-uri")
	artifacts := func(ictx imds.InstanceContext, creds imds.Credentials) (interfaces.ArtifactStorage, error) {
		loc, err := interfaces.NewStorageBackendLocation(artifactsURI)
		if err != nil {
			return nil, err
		}
		factory := storage.NewStorageBackendFactory(logger).
			WithAWSCredentials(storage.S3Credentials{
				AccessKey:    creds.AccessKeyID,
				SecretKey:    creds.SecretAccessKey,
				SessionToken: creds.SessionToken,
			})
		if loc.IsS3() {
			// No client timeout: the model download runs to gigabytes.
			factory = factory.WithHTTPClient(proxy.NewChannelHTTPClient(objectStoreListen, 0))
		}
		return factory.StorageBackendFor(loc)
	}

	launcher, err := inference.NewLauncher(inference.LauncherConfig{
		Command: strings.Fields(cCtx.String("inference-cmd")),
		Log:     logger,
	})
	if err != nil {
		return err
	}

	prober, err := inference.NewProber(inference.ProberConfig{
		BaseURL:     fmt.Sprintf("http://127.0.0.1:%d", inferencePort),
		MaxAttempts: cCtx.Int("probe-attempts"),
		Interval:    cCtx.Duration("probe-interval"),
		Log:         logger,
	})
	if err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Config{
		Log:            logger,
		Verifier:       verifier,
		Bridge:         bridge,
		Channels:       channels,
		Metadata:       metadata,
		Unwrapper:      unwrapper,
		Artifacts:      artifacts,
		Runner:         supervisor.NewLauncherRunner(launcher),
		Prober:         prober,
		StagingDir:     cCtx.String("staging-dir"),
		WithProjector:  cCtx.Bool("with-projector"),
		ScrubPlaintext: cCtx.Bool("scrub-plaintext"),
	})
	if err != nil {
		return err
	}

	server, err := httpserver.New(flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr")),
		httpserver.NewHandler(sup, provider, logger))
	if err != nil {
		return err
	}
	server.RunInBackground()
	defer server.Shutdown()

	docServer, err := startDocServer(cCtx, provider, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		docServer.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, runErr := sup.Run(ctx)
	if runErr != nil {
		logger.Error("Bootstrap terminated", "outcome", outcome.String(), "err", runErr)
	} else {
		logger.Info("Bootstrap terminated", "outcome", outcome.String())
	}

	if code := outcome.ExitCode(); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

func buildProvider(cCtx *cli.Context) (attestation.Provider, error) {
	if !cCtx.Bool("dev") {
		return attestation.NSMProvider{}, nil
	}

	doc := []byte("dev-mode-attestation-document")
	if docPath := cCtx.String("dev-attestation-doc"); docPath != "" {
		var err error
		doc, err = os.ReadFile(docPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read attestation document: %w", err)
		}
	}
	return attestation.StaticProvider{Document: doc}, nil
}

func startDocServer(cCtx *cli.Context, provider attestation.Provider, logger *slog.Logger) (*attestation.Server, error) {
	ep, err := proxy.ParseEndpoint(cCtx.String("attestation-listen"))
	if err != nil {
		return nil, err
	}
	ln, err := ep.Listen()
	if err != nil {
		return nil, fmt.Errorf("failed to listen for attestation requests on %s: %w", ep, err)
	}

	srv := attestation.NewServer(provider, logger)
	srv.RunInBackground(ln)
	return srv, nil
}
