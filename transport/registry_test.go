package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	pubSubSystem string
}

func (m *mockConfig) GetPubSubSystem() string       { return m.pubSubSystem }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetHTTPServerAddress() string  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

type mockPublisher struct{}

func (m *mockPublisher) Publish(string, ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                              { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error { return nil }

func mockBuilder(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
	return Transport{Publisher: &mockPublisher{}, Subscriber: &mockSubscriber{}}, nil
}

func TestRegistryBuildUsesConfiguredName(t *testing.T) {
	reg := NewRegistry()
	var gotLogger watermill.LoggerAdapter
	reg.Register("mock", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		gotLogger = logger
		return mockBuilder(ctx, cfg, logger)
	})

	tr, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "mock"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
	assert.NotNil(t, gotLogger, "nil logger should be replaced")
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register("b", mockBuilder)
	reg.Register("a", mockBuilder)

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrConfigRequired)

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "zeromq"}, nil)
	require.ErrorIs(t, err, ErrUnknownTransport)
	assert.Contains(t, err.Error(), `"zeromq"`)
	assert.Contains(t, err.Error(), "[a b]")
}

func TestRegistryBuildPropagatesBuilderError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("broker unreachable")
	reg.Register("broken", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, boom
	})

	_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "broken"}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestRegistryCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("mock", mockBuilder, Capabilities{Name: "mock", SupportsAck: true})

	assert.True(t, reg.Has("mock"))
	assert.True(t, reg.GetCapabilities("mock").SupportsAck)
	assert.Equal(t, Capabilities{Name: "unknown"}, reg.GetCapabilities("unknown"))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Register("mock", mockBuilder)
				reg.Has("mock")
				reg.Names()
				reg.GetCapabilities("mock")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"mock"}, reg.Names())
}

func TestPackageLevelRegistration(t *testing.T) {
	RegisterWithCapabilities("test-pkg-transport", mockBuilder, Capabilities{Name: "test-pkg-transport", SupportsOrdering: true})

	assert.True(t, DefaultRegistry.Has("test-pkg-transport"))
	assert.True(t, GetCapabilities("test-pkg-transport").SupportsOrdering)

	_, err := Build(context.Background(), &mockConfig{pubSubSystem: "test-pkg-transport"}, nil)
	assert.NoError(t, err)
}

func TestCapabilitiesHelpers(t *testing.T) {
	tests := []struct {
		name     string
		caps     Capabilities
		reliable bool
		emulated bool
	}{
		{"channel", ChannelCapabilities, true, true},
		{"kafka", KafkaCapabilities, false, true},
		{"rabbitmq", RabbitMQCapabilities, true, false},
		{"nats", NATSCapabilities, false, true},
		{"aws", AWSCapabilities, true, false},
		{"http", HTTPCapabilities, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.caps.Name)
			assert.Equal(t, tt.reliable, tt.caps.SupportsReliableDelivery())
			assert.Equal(t, tt.emulated, tt.caps.RequiresDLQEmulation())
		})
	}

	assert.True(t, Capabilities{}.Fits(1<<30))
	assert.True(t, AWSCapabilities.Fits(262144))
	assert.False(t, AWSCapabilities.Fits(262145))
}
