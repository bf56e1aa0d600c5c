// Package mqttclient wraps the paho MQTT client with the small surface the
// frame sources and bridges need.
package mqttclient

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Options configures a broker connection.
type Options struct {
	BrokerURL string
	ClientID  string
}

// Client is a connected MQTT client.
type Client struct {
	raw mqtt.Client
}

// New connects to the broker with automatic connect retry.
func New(opts Options) (*Client, error) {
	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetAutoReconnect(true)
	c := mqtt.NewClient(o)

	token := c.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return &Client{raw: c}, nil
}

// Publish sends payload to topic.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	token := c.raw.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

// Subscribe registers handler for topic.
func (c *Client) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	token := c.raw.Subscribe(topic, qos, handler)
	token.Wait()
	return token.Error()
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.raw.Disconnect(250)
}
