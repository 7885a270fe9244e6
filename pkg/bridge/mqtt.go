package bridge

import (
	"context"
	"encoding/json"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"

	"github.com/robotalks/usbgpio/pkg/mqtt"
	"github.com/robotalks/usbgpio/pkg/msgs"
	"github.com/robotalks/usbgpio/pkg/usbgpio"
)

// ConnectRetryInterval is the wait between failed broker connects.
const ConnectRetryInterval = 5 * time.Second

// Topics relative to the MQTT prefix and the bridge name.
const (
	TopicState = "/state"
	TopicCmd   = "/cmd"
	TopicReply = "/reply"
	TopicMeta  = "/meta"
)

// Meta is published retained on <name>/meta while the bridge is online.
type Meta struct {
	Port    string `json:"port"`
	Version string `json:"version,omitempty"`
	ID      string `json:"id,omitempty"`
}

// pubQueue is the part of mqtt.Queue used by MQTTLink.
type pubQueue interface {
	Pub(topic string, payload []byte) paho.Token
	PubWith(topic string, payload []byte, qos byte, retain bool) paho.Token
}

// MQTTLink publishes state and serves commands over MQTT.
type MQTTLink struct {
	Name   string
	Port   string
	Bridge *Bridge
	Queue  *mqtt.Queue
	// RetryInterval is the wait between failed connects.
	RetryInterval time.Duration

	pub     pubQueue
	connect func() paho.Token
}

// NewMQTTLink connects bridge to the broker at brokerURL.
func NewMQTTLink(brokerURL, name, port string, bridge *Bridge) (*MQTTLink, error) {
	opts, topicPrefix, err := mqtt.ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	opts.SetBinaryWill(topicPrefix+name+TopicMeta, nil, 1, true)
	if opts.ClientID == "" {
		opts.SetClientID("usbgpio:" + name)
	}
	l := &MQTTLink{
		Name:   name,
		Port:   port,
		Bridge: bridge,
		Queue:  mqtt.NewQueue(opts, topicPrefix),

		RetryInterval: ConnectRetryInterval,
	}
	l.pub, l.connect = l.Queue, l.Queue.Connect
	l.Queue.OnConnect = func(*mqtt.Queue) { l.publishMeta() }
	bridge.OnOpen(l.deviceOpened)
	l.Queue.Sub(name+TopicCmd, l.handleCommand)
	return l, nil
}

// Run implements Runnable.
func (l *MQTTLink) Run(ctx context.Context) error {
	if l.connectLoop(ctx) {
		<-ctx.Done()
		l.pub.PubWith(l.Name+TopicMeta, nil, 1, true).Wait()
	}
	return l.Queue.Close()
}

// connectLoop connects until it succeeds or ctx is done. Once
// connected, reconnects are left to the client.
func (l *MQTTLink) connectLoop(ctx context.Context) bool {
	for {
		token := l.connect()
		token.Wait()
		err := token.Error()
		if err == nil {
			return true
		}
		glog.Warningf("MQTT connect: %v, retry in %s", err, l.RetryInterval)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(l.RetryInterval):
		}
	}
}

func (l *MQTTLink) deviceOpened(usbgpio.Info) {
	l.publishMeta()
}

// Publish implements Publisher.
func (l *MQTTLink) Publish(ctx context.Context, s *Snapshot) error {
	data, err := msgs.Encode(s.State())
	if err != nil {
		return err
	}
	l.pub.Pub(l.Name+TopicState, data)
	return nil
}

func (l *MQTTLink) publishMeta() {
	info := l.Bridge.Info()
	meta, err := json.Marshal(&Meta{Port: l.Port, Version: info.Version, ID: info.ID})
	if err != nil {
		glog.Errorf("encode meta: %v", err)
		return
	}
	l.pub.PubWith(l.Name+TopicMeta, meta, 1, true)
}

func (l *MQTTLink) handleCommand(topic string, payload []byte) {
	cmd, err := msgs.DecodeCommand(payload)
	if err != nil {
		glog.Warningf("invalid command on %s: %v", topic, err)
		return
	}
	// handlers run on the paho router goroutine
	go l.serve(cmd)
}

func (l *MQTTLink) serve(cmd *msgs.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	reply, err := l.Bridge.Submit(ctx, cmd)
	if err != nil {
		reply = &msgs.Reply{Sequence: cmd.Sequence, Error: err.Error()}
	}
	data, err := msgs.Encode(reply)
	if err != nil {
		glog.Errorf("encode reply: %v", err)
		return
	}
	l.pub.Pub(l.Name+TopicReply, data)
}
