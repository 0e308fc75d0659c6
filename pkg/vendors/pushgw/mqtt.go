package pushgw

import (
	"fmt"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DeliverFunc hands one raw delivery to the acquisition path. The site
// id comes from the topic; payload validation happens downstream so a
// malformed document still produces a failed session.
type DeliverFunc func(siteID string, payload []byte)

// Listener subscribes to the push intake topic and forwards each
// message. Topic layout: fleet/<site_id>/telemetry.
type Listener struct {
	client  mqtt.Client
	topic   string
	deliver DeliverFunc
}

func NewListener(brokerAddr, topic string, deliver DeliverFunc) (*Listener, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerAddr).
		SetClientID("fleet-collector").
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", brokerAddr, token.Error())
	}

	l := &Listener{client: client, topic: topic, deliver: deliver}
	if token := client.Subscribe(topic, 1, l.onMessage); token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}

	log.Printf("MQTT push intake subscribed to %s", topic)
	return l, nil
}

func (l *Listener) onMessage(_ mqtt.Client, msg mqtt.Message) {
	siteID := siteFromTopic(msg.Topic())
	if siteID == "" {
		log.Printf("Ignoring push on unexpected topic %q", msg.Topic())
		return
	}
	l.deliver(siteID, msg.Payload())
}

func (l *Listener) Close() {
	l.client.Unsubscribe(l.topic)
	l.client.Disconnect(250)
}

func siteFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[2] != "telemetry" {
		return ""
	}
	return parts[1]
}
