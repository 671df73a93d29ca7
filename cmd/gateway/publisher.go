package main

import (
	"context"
	"log"
	"strings"

	"mcpgw/pkg/contracts"
	"mcpgw/pkg/events"
	"mcpgw/pkg/stream"
)

func archiverFor(db gatewayDB) contracts.Archiver {
	return &contracts.PgArchiver{DB: db}
}

// hubPublisher mirrors broker events onto the websocket stream hub.
type hubPublisher struct {
	hub *stream.Hub
}

func (p *hubPublisher) Emit(ctx context.Context, ev events.Event) error {
	p.hub.Publish(stream.NewEvent(ev.Type, ev))
	return nil
}

func (p *hubPublisher) Close() error { return nil }

// multiPublisher fans one event out to every sink. A failing sink does not
// stop the others.
type multiPublisher struct {
	sinks []events.Publisher
}

func (p *multiPublisher) Emit(ctx context.Context, ev events.Event) error {
	var firstErr error
	for _, sink := range p.sinks {
		if err := sink.Emit(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *multiPublisher) Close() error {
	var firstErr error
	for _, sink := range p.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// buildPublisher wires the stream hub and, when KAFKA_BROKERS is set, the
// Kafka event topic.
func buildPublisher(hub *stream.Hub) events.Publisher {
	sinks := []events.Publisher{&hubPublisher{hub: hub}}
	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_EVENTS_TOPIC", "mcpgw.events"),
		})
		if err != nil {
			log.Printf("kafka events disabled: %v", err)
		} else {
			sinks = append(sinks, pub)
		}
	}
	return &multiPublisher{sinks: sinks}
}
