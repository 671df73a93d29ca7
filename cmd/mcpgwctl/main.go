package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"mcpgw/pkg/events"
	"mcpgw/pkg/httpx"
	"mcpgw/pkg/models"
)

// Testable variables for main()
var (
	osExit        = os.Exit
	newConsumerFn = func(cfg events.KafkaConfig) (eventSource, error) {
		return events.NewKafkaConsumer(cfg)
	}
)

type eventSource interface {
	Read(ctx context.Context) (events.Event, error)
	Close() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "hash-operation":
		return hashOperation(args[1:], out)
	case "declare-intent":
		return postFile(args[1:], out, "intent", "/v1/intents")
	case "register-capability":
		return postFile(args[1:], out, "capability", "/v1/capabilities")
	case "negotiate":
		return negotiate(args[1:], out)
	case "validate":
		return validate(args[1:], out)
	case "stats":
		return stats(args[1:], out)
	case "follow-events":
		return followEvents(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "mcpgwctl commands:")
	fmt.Fprintln(out, "  hash-operation --contract <id> --operation op.json")
	fmt.Fprintln(out, "  declare-intent --file intent.json --gateway http://localhost:8080 [--token <jwt>]")
	fmt.Fprintln(out, "  register-capability --file capability.json --gateway http://localhost:8080 [--token <jwt>]")
	fmt.Fprintln(out, "  negotiate --intent-id <id> --capability-id <id> [--constraints a,b] --gateway http://localhost:8080 [--token <jwt>]")
	fmt.Fprintln(out, "  validate --contract <id> --operation op.json [--response] --gateway http://localhost:8080 [--token <jwt>]")
	fmt.Fprintln(out, "  stats --gateway http://localhost:8080 [--token <jwt>]")
	fmt.Fprintln(out, "  follow-events --brokers host:9092[,host:9092] --topic mcpgw.events [--group mcpgwctl] [--max N]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func hashOperation(args []string, out io.Writer) error {
	fs := newFlagSet("hash-operation")
	contractID := fs.String("contract", "", "contract id")
	opPath := fs.String("operation", "", "operation json file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *contractID == "" || *opPath == "" {
		return errors.New("contract and operation required")
	}
	raw, err := os.ReadFile(*opPath)
	if err != nil {
		return fmt.Errorf("read operation: %w", err)
	}
	var op models.OperationDescriptor
	if err := json.Unmarshal(raw, &op); err != nil {
		return fmt.Errorf("decode operation: %w", err)
	}
	fmt.Fprintln(out, models.OperationHash(*contractID, op))
	return nil
}

func postFile(args []string, out io.Writer, kind, path string) error {
	fs := newFlagSet(kind)
	filePath := fs.String("file", "", kind+" json file")
	gateway := fs.String("gateway", "http://localhost:8080", "gateway base url")
	token := fs.String("token", "", "bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *filePath == "" {
		return errors.New("file required")
	}
	raw, err := os.ReadFile(*filePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", kind, err)
	}
	return postJSON(out, *gateway+path, raw, *token)
}

func negotiate(args []string, out io.Writer) error {
	fs := newFlagSet("negotiate")
	intentID := fs.String("intent-id", "", "intent id")
	capabilityID := fs.String("capability-id", "", "capability id")
	constraints := fs.String("constraints", "", "comma-separated extra constraints")
	gateway := fs.String("gateway", "http://localhost:8080", "gateway base url")
	token := fs.String("token", "", "bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *intentID == "" || *capabilityID == "" {
		return errors.New("intent-id and capability-id required")
	}
	payload := map[string]any{
		"intent_id":     *intentID,
		"capability_id": *capabilityID,
	}
	if extra := splitNonEmpty(*constraints); len(extra) > 0 {
		payload["extra_constraints"] = extra
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return postJSON(out, *gateway+"/v1/negotiate", body, *token)
}

func splitNonEmpty(raw string) []string {
	var parts []string
	for _, p := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func validate(args []string, out io.Writer) error {
	fs := newFlagSet("validate")
	contractID := fs.String("contract", "", "contract id")
	opPath := fs.String("operation", "", "operation json file")
	response := fs.Bool("response", false, "validate a server response instead of a client transaction")
	gateway := fs.String("gateway", "http://localhost:8080", "gateway base url")
	token := fs.String("token", "", "bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *contractID == "" || *opPath == "" {
		return errors.New("contract and operation required")
	}
	raw, err := os.ReadFile(*opPath)
	if err != nil {
		return fmt.Errorf("read operation: %w", err)
	}
	var op models.OperationDescriptor
	if err := json.Unmarshal(raw, &op); err != nil {
		return fmt.Errorf("decode operation: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"contract_id": *contractID,
		"operation":   op,
	})
	if err != nil {
		return err
	}
	path := "/v1/transactions/validate"
	if *response {
		path = "/v1/responses/validate"
	}
	return postJSON(out, *gateway+path, body, *token)
}

func stats(args []string, out io.Writer) error {
	fs := newFlagSet("stats")
	gateway := fs.String("gateway", "http://localhost:8080", "gateway base url")
	token := fs.String("token", "", "bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return requestJSON(out, http.MethodGet, *gateway+"/v1/stats", nil, *token)
}

func postJSON(out io.Writer, url string, body []byte, token string) error {
	return requestJSON(out, http.MethodPost, url, body, token)
}

func requestJSON(out io.Writer, method, url string, body []byte, token string) error {
	var headers map[string]string
	if token != "" {
		headers = map[string]string{"Authorization": "Bearer " + token}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	status, resp, err := httpx.RequestJSON(ctx, http.DefaultClient, method, url, body, headers, 0, 0)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	fmt.Fprintln(out, string(resp))
	if status >= 400 {
		return fmt.Errorf("gateway returned %d", status)
	}
	return nil
}

func followEvents(args []string, out io.Writer) error {
	fs := newFlagSet("follow-events")
	brokers := fs.String("brokers", "", "comma-separated kafka brokers")
	topic := fs.String("topic", "mcpgw.events", "event topic")
	group := fs.String("group", "mcpgwctl", "consumer group")
	max := fs.Int("max", 0, "stop after N events (0 = forever)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	consumer, err := newConsumerFn(events.KafkaConfig{
		Brokers: strings.Split(*brokers, ","),
		Topic:   *topic,
		GroupID: *group,
	})
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	defer consumer.Close()

	ctx := context.Background()
	for count := 0; *max == 0 || count < *max; count++ {
		ev, err := consumer.Read(ctx)
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(line))
	}
	return nil
}
