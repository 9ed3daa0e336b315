// Command rendition-cli submits one rendition batch to the rendition
// service and waits for the results.
//
// Usage:
//
//	rendition-cli -integration integration.yaml -source https://assets.example.com/photo.tiff \
//	    -rendition thumb.png:png:200 -rendition preview.jpg:jpeg:1024
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/renditionlab/rendition-client/pkg/auth"
	"github.com/renditionlab/rendition-client/pkg/client"
	"github.com/renditionlab/rendition-client/pkg/config"
	"github.com/renditionlab/rendition-client/pkg/logging"
	"github.com/renditionlab/rendition-client/pkg/transport"
)

// renditionList collects repeated -rendition flags.
type renditionList []transport.Rendition

func (r *renditionList) String() string {
	names := make([]string, len(*r))
	for i, rendition := range *r {
		names[i] = rendition.Name
	}
	return strings.Join(names, ",")
}

func (r *renditionList) Set(value string) error {
	rendition, err := parseRenditionSpec(value)
	if err != nil {
		return err
	}
	*r = append(*r, rendition)
	return nil
}

// parseRenditionSpec parses "name[:fmt[:width]]" into a rendition.
func parseRenditionSpec(spec string) (transport.Rendition, error) {
	parts := strings.Split(spec, ":")
	if parts[0] == "" {
		return transport.Rendition{}, fmt.Errorf("rendition spec %q has no name", spec)
	}

	rendition := transport.Rendition{Name: parts[0]}
	if len(parts) > 1 {
		rendition.Fmt = parts[1]
	}
	if len(parts) > 2 {
		width, err := strconv.Atoi(parts[2])
		if err != nil || width <= 0 {
			return transport.Rendition{}, fmt.Errorf("rendition spec %q has invalid width %q", spec, parts[2])
		}
		rendition.Width = width
	}
	if len(parts) > 3 {
		return transport.Rendition{}, fmt.Errorf("rendition spec %q has too many fields", spec)
	}
	return rendition, nil
}

func main() {
	var renditions renditionList

	integrationPath := flag.String("integration", getEnv("RENDITION_INTEGRATION", ""), "Path to the integration descriptor (YAML or JSON)")
	staticToken := flag.String("token", getEnv("RENDITION_TOKEN", ""), "Static bearer token (skips the integration exchange)")
	baseURL := flag.String("base-url", getEnv("RENDITION_BASE_URL", ""), "Rendition service base URL")
	tokenURL := flag.String("token-url", getEnv("RENDITION_TOKEN_URL", ""), "Token exchange endpoint")
	apiKey := flag.String("api-key", getEnv("RENDITION_API_KEY", ""), "API key header value")
	orgID := flag.String("org-id", getEnv("RENDITION_ORG_ID", ""), "Organization header value")
	source := flag.String("source", "", "Source asset URL")
	timeout := flag.Duration("timeout", 5*time.Minute, "How long to wait for the batch to finish")
	logLevel := flag.String("log-level", getEnv("RENDITION_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flag.Var(&renditions, "rendition", "Rendition spec name[:fmt[:width]], repeatable")
	flag.Parse()

	logging.Setup(logging.Config{Level: logging.LogLevel(*logLevel), Pretty: true})

	if *baseURL == "" || *source == "" || len(renditions) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	tokens, err := tokenProvider(*staticToken, *integrationPath, *tokenURL)
	if err != nil {
		log.Fatalf("Failed to set up credentials: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c, err := client.NewRegistered(ctx, client.Config{
		BaseURL: *baseURL,
		Tokens:  tokens,
		APIKey:  *apiKey,
		OrgID:   *orgID,
	})
	if err != nil {
		log.Fatalf("Failed to register with the rendition service: %v", err)
	}
	defer c.Close()

	requestID, err := c.Process(ctx, *source, renditions, nil)
	if err != nil {
		log.Fatalf("Failed to submit batch: %v", err)
	}
	log.Printf("Submitted %d renditions as request %s", len(renditions), requestID)

	events, err := c.WaitActivation(ctx, requestID, *timeout)
	if err != nil {
		log.Fatalf("Failed waiting for results: %v", err)
	}

	failed := 0
	for _, event := range events {
		if event.Failed() {
			failed++
			log.Printf("FAILED  %s: %s (%s)", event.Rendition.Name, event.ErrorMessage, event.ErrorReason)
			continue
		}
		log.Printf("created %s", event.Rendition.Name)
	}

	if err := c.Unregister(ctx); err != nil {
		log.Printf("Unregister failed: %v", err)
	}

	if failed > 0 {
		log.Fatalf("%d of %d renditions failed", failed, len(events))
	}
	log.Printf("All %d renditions created", len(events))
}

// tokenProvider picks between a static token and an integration exchange.
func tokenProvider(staticToken, integrationPath, tokenURL string) (transport.TokenProvider, error) {
	if staticToken != "" {
		return transport.StaticToken(staticToken), nil
	}
	if integrationPath == "" {
		return nil, fmt.Errorf("either -token or -integration is required")
	}
	if tokenURL == "" {
		return nil, fmt.Errorf("-token-url is required with -integration")
	}

	integration, err := config.LoadIntegration(integrationPath)
	if err != nil {
		return nil, err
	}
	return auth.NewFromIntegration(integration, tokenURL)
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
