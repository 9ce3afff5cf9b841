//go:build integration

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fabmob/mob-sub003/consumer"
	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func brokerURLOrSkip(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping RabbitMQ integration test in short mode")
	}
	url := strings.TrimSpace(os.Getenv("CONSUMER_TEST_AMQP_URL"))
	if url == "" {
		t.Skip("CONSUMER_TEST_AMQP_URL not set")
	}
	return url
}

func declareQueue(t *testing.T, url, name string) {
	t.Helper()

	conn, err := amqp091.Dial(url)
	require.NoError(t, err)
	defer conn.Close()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.QueueDeclare(name, false, true, false, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		c, err := amqp091.Dial(url)
		if err != nil {
			return
		}
		defer c.Close()
		if ch, err := c.Channel(); err == nil {
			_, _ = ch.QueueDelete(name, false, false, false)
		}
	})
}

func publish(t *testing.T, url, queue string, body []byte) {
	t.Helper()

	conn, err := amqp091.Dial(url)
	require.NoError(t, err)
	defer conn.Close()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.PublishWithContext(ctx, "", queue, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        body,
	}))
}

func TestLinkConsumeAndAckIntegration(t *testing.T) {
	url := brokerURLOrSkip(t)
	queue := fmt.Sprintf("it-consumer-%s", uuid.NewString()[:8])
	declareQueue(t, url, queue)

	d, err := NewDialer(NewOptions().SetURL(url).SetPrefetch(4, 0))
	require.NoError(t, err)

	link, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer link.Close()

	ch, err := link.Channel()
	require.NoError(t, err)

	require.NoError(t, ch.DeclarePassive(queue))
	deliveries, err := ch.Consume(queue, "ctag-it")
	require.NoError(t, err)

	publish(t, url, queue, []byte(`{"ok":true}`))

	select {
	case d := <-deliveries:
		assert.Equal(t, []byte(`{"ok":true}`), d.Body)
		require.NoError(t, ch.Ack(d.DeliveryTag))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	require.NoError(t, ch.Cancel("ctag-it"))
	require.NoError(t, ch.Close())

	ev := <-ch.Events()
	assert.Equal(t, consumer.EventClose, ev.Kind)
}

func TestPassiveDeclareMissingQueueClosesChannelIntegration(t *testing.T) {
	url := brokerURLOrSkip(t)

	d, err := NewDialer(NewOptions().SetURL(url))
	require.NoError(t, err)

	link, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer link.Close()

	primary, err := link.Channel()
	require.NoError(t, err)

	tmp, err := link.Channel()
	require.NoError(t, err)
	require.Error(t, tmp.DeclarePassive("missing-"+uuid.NewString()))

	ev := <-tmp.Events()
	assert.Equal(t, consumer.EventExit, ev.Kind)

	select {
	case ev := <-primary.Events():
		t.Fatalf("primary channel received %s", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}
