package integrationtests

import (
	"context"
	"encoding/json"
	"photohub/internal/messaging"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRabbitMQ(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	publisher, receiver := setupRabbitMQContainer(t, ctx, []string{"project", "maintenance"})

	// Test publishing and receiving on the project queue
	t.Run("Publish and Receive Project Job", func(t *testing.T) {
		payload := messaging.JobReadyPayload{JobId: uuid.New()}
		err := publisher.PublishJobReady(ctx, "project", 8, payload)
		require.NoError(t, err)

		select {
		case task := <-receiver.Tasks():
			assert.Equal(t, messaging.QueueName("project"), task.Queue())

			var receivedPayload messaging.JobReadyPayload
			err := json.Unmarshal(task.Payload(), &receivedPayload)
			require.NoError(t, err)
			assert.Equal(t, payload, receivedPayload)

			err = task.Ack()
			require.NoError(t, err)
		case <-time.After(4 * time.Second):
			t.Fatal("Timed out waiting for task")
		}
	})

	// Test publishing and receiving on the maintenance queue
	t.Run("Publish and Receive Maintenance Job", func(t *testing.T) {
		payload := messaging.JobReadyPayload{JobId: uuid.New()}
		err := publisher.PublishJobReady(ctx, "maintenance", 1, payload)
		require.NoError(t, err)

		select {
		case task := <-receiver.Tasks():
			assert.Equal(t, messaging.QueueName("maintenance"), task.Queue())

			var receivedPayload messaging.JobReadyPayload
			err := json.Unmarshal(task.Payload(), &receivedPayload)
			require.NoError(t, err)
			assert.Equal(t, payload, receivedPayload)

			err = task.Ack()
			require.NoError(t, err)
		case <-time.After(4 * time.Second):
			t.Fatal("Timed out waiting for task")
		}
	})

	// Priorities above the queue maximum are clamped on publish, not rejected
	t.Run("Publish With Excess Priority", func(t *testing.T) {
		payload := messaging.JobReadyPayload{JobId: uuid.New()}
		err := publisher.PublishJobReady(ctx, "project", 100, payload)
		require.NoError(t, err)

		select {
		case task := <-receiver.Tasks():
			var receivedPayload messaging.JobReadyPayload
			require.NoError(t, json.Unmarshal(task.Payload(), &receivedPayload))
			assert.Equal(t, payload, receivedPayload)
			require.NoError(t, task.Ack())
		case <-time.After(4 * time.Second):
			t.Fatal("Timed out waiting for task")
		}
	})
}
