package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"hn_syncer/internal/domain"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
)

type RabbitMQ struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *slog.Logger
}

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	QueueName  string
}

// NewRabbitMQ connects and declares a durable direct exchange with one durable
// queue bound to RoutingKey.
func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	logger.Info("connected to rabbitmq",
		"exchange", cfg.Exchange,
		"queue", cfg.QueueName,
		"routing_key", cfg.RoutingKey,
	)

	return &RabbitMQ{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     logger,
	}, nil
}

func declareTopology(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	return nil
}

type ItemMessage struct {
	Action    string      `json:"action"`
	Item      ItemPayload `json:"item"`
	Timestamp time.Time   `json:"timestamp"`
}

type ItemPayload struct {
	ID          int64      `json:"id"`
	ExternalID  int64      `json:"external_id"`
	ParentID    *int64     `json:"parent_id,omitempty"`
	ChildIDs    []int64    `json:"child_ids,omitempty"`
	Author      *string    `json:"author,omitempty"`
	Title       *string    `json:"title,omitempty"`
	Text        *string    `json:"text,omitempty"`
	URL         *string    `json:"url,omitempty"`
	Type        string     `json:"type"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	Score       *int       `json:"score,omitempty"`
	Descendants *int       `json:"descendants,omitempty"`
	Source      string     `json:"source"`
}

func newItemMessage(item *domain.Item, isNew bool, now time.Time) ItemMessage {
	action := ActionUpdate
	if isNew {
		action = ActionCreate
	}

	return ItemMessage{
		Action: action,
		Item: ItemPayload{
			ID:          item.ID,
			ExternalID:  item.ExternalID,
			ParentID:    item.ParentID,
			ChildIDs:    item.ChildIDs,
			Author:      item.Author,
			Title:       item.Title,
			Text:        item.Text,
			URL:         item.URL,
			Type:        item.Type,
			CreatedAt:   item.CreatedAt,
			Score:       item.Score,
			Descendants: item.Descendants,
			Source:      item.Source,
		},
		Timestamp: now.UTC(),
	}
}

func (r *RabbitMQ) Publish(ctx context.Context, item *domain.Item, isNew bool) error {
	now := time.Now()
	msg := newItemMessage(item, isNew, now)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = r.channel.PublishWithContext(
		ctx,
		r.exchange,
		r.routingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Type:         item.Type,
			Body:         body,
			Timestamp:    now,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	r.logger.Debug("published item",
		"external_id", item.ExternalID,
		"action", msg.Action,
	)

	return nil
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
