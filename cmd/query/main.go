// The query binary is the operator's client for a running deployment: it
// sends chat prompts through the relay's ingress port and fetches attestation
// documents from the enclave's document server.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/enclavekit/inference-bootstrap/attestation"
	"github.com/enclavekit/inference-bootstrap/cmd/flags"
	"github.com/enclavekit/inference-bootstrap/inference"
	"github.com/enclavekit/inference-bootstrap/proxy"
)

func main() {
	app := &cli.App{
		Name:  "query",
		Usage: "operator client for a running inference deployment",
		Commands: []*cli.Command{
			{
				Name:      "chat",
				Usage:     "send a prompt to the inference endpoint",
				ArgsUsage: "<prompt>",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "endpoint",
						Value: "http://127.0.0.1:8080",
						Usage: "inference endpoint, usually the relay's ingress address",
					},
					&cli.StringFlag{
						Name:  "model",
						Usage: "model name; empty uses the deployment default",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Value: 2 * time.Minute,
						Usage: "request timeout",
					},
				}, flags.CommonFlags...),
				Action: runChat,
			},
			{
				Name:  "attest",
				Usage: "fetch an attestation document from the enclave",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "endpoint",
						Value: fmt.Sprintf("vsock://parent:%d", proxy.AttestationDocPort),
						Usage: "document server endpoint (vsock://cid:port or tcp://host:port)",
					},
					&cli.StringFlag{
						Name:  "nonce",
						Usage: "base64 nonce to bind; a random nonce is generated when empty",
					},
				}, flags.CommonFlags...),
				Action: runAttest,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runChat(cCtx *cli.Context) error {
	prompt := cCtx.Args().First()
	if prompt == "" {
		return errors.New("usage: query chat <prompt>")
	}

	client, err := inference.NewChatClient(inference.ChatClientConfig{
		BaseURL: cCtx.String("endpoint"),
		Model:   cCtx.String("model"),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cCtx.Duration("timeout"))
	defer cancel()

	answer, err := client.Complete(ctx, prompt)
	if err != nil {
		return err
	}
	fmt.Println(answer)
	return nil
}

func runAttest(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	nonce := make([]byte, 32)
	if encoded := cCtx.String("nonce"); encoded != "" {
		var err error
		nonce, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("invalid nonce: %w", err)
		}
	} else if _, err := rand.Read(nonce); err != nil {
		return err
	}

	ep, err := proxy.ParseEndpoint(cCtx.String("endpoint"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := ep.Dial(ctx)
	if err != nil {
		return fmt.Errorf("could not reach document server at %s: %w", ep, err)
	}
	defer conn.Close()

	doc, err := attestation.FetchDocument(conn, nonce)
	if err != nil {
		return err
	}

	logger.Info("Fetched attestation document",
		"endpoint", ep.String(),
		"nonce", base64.StdEncoding.EncodeToString(nonce),
		"doc_size", len(doc))
	fmt.Println(base64.StdEncoding.EncodeToString(doc))
	return nil
}
