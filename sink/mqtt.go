//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package sink

import (
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/engine"
)

const defaultMQTTTopic = "memprof"

type MQTTOptions struct {
	// Broker is a URL: tcp://host:1883, mqtt://host or mqtts://host. A path,
	// if present, is the topic prefix.
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

type publisher interface {
	publish(topic string, payload []byte) error
	close()
}

// MQTT publishes records to <topic>/<session id>/<record type>.
type MQTT struct {
	p       publisher
	topic   string
	session string
}

// clientOptions turns a broker URL into paho options and a topic prefix.
func clientOptions(o MQTTOptions) (*mqtt.ClientOptions, string, error) {
	u, err := url.Parse(o.Broker)
	if err != nil {
		return nil, "", errors.Annotatef(err, "invalid broker URL")
	}
	if u.Host == "" {
		return nil, "", errors.NotValidf("broker URL %q", o.Broker)
	}
	topic := o.Topic
	if topic == "" {
		topic = strings.Trim(u.Path, "/")
	}
	if topic == "" {
		topic = defaultMQTTTopic
	}
	u.Path = ""
	switch u.Scheme {
	case "mqtts", "ssl", "tls", "tcps":
		u.Scheme = "ssl"
		if u.Port() == "" {
			u.Host = fmt.Sprintf("%s:%d", u.Host, 8883)
		}
	default:
		u.Scheme = "tcp"
		if u.Port() == "" {
			u.Host = fmt.Sprintf("%s:%d", u.Host, 1883)
		}
	}
	clientID := o.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("memprof-%d", rand.Int31())
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(u.String())
	opts.SetClientID(clientID)
	user, pass := o.Username, o.Password
	if u.User != nil {
		user = u.User.Username()
		if p, isset := u.User.Password(); isset {
			pass = p
		}
	}
	opts.SetUsername(user)
	opts.SetPassword(pass)
	opts.SetAutoReconnect(true)
	return opts, topic, nil
}

type pahoPublisher struct {
	cli     mqtt.Client
	timeout time.Duration
}

func (p *pahoPublisher) publish(topic string, payload []byte) error {
	token := p.cli.Publish(topic, 1 /* qos */, false /* retained */, payload)
	if !token.WaitTimeout(p.timeout) {
		return errors.Errorf("MQTT publish to %s timed out", topic)
	}
	return errors.Annotatef(token.Error(), "MQTT publish error")
}

func (p *pahoPublisher) close() {
	p.cli.Disconnect(250 /* ms */)
}

// DialMQTT connects to the broker.
func DialMQTT(o MQTTOptions, sessionID string) (*MQTT, error) {
	opts, topic, err := clientOptions(o)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	opts.SetConnectTimeout(o.Timeout)
	glog.V(1).Infof("Connecting %s to %s", opts.ClientID, o.Broker)
	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if !token.WaitTimeout(o.Timeout) {
		return nil, errors.Errorf("MQTT connect to %s timed out", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Annotatef(err, "MQTT connect error")
	}
	return newMQTT(&pahoPublisher{cli: cli, timeout: o.Timeout}, topic, sessionID), nil
}

func newMQTT(p publisher, topic, sessionID string) *MQTT {
	return &MQTT{p: p, topic: topic, session: sessionID}
}

func (m *MQTT) Emit(rec engine.Record) error {
	payload, err := marshalRecord(rec)
	if err != nil {
		return errors.Trace(err)
	}
	topic := fmt.Sprintf("%s/%s/%s", m.topic, m.session, rec.RecordType())
	glog.V(4).Infof("Sending %d bytes to [%s]", len(payload), topic)
	return errors.Trace(m.p.publish(topic, payload))
}

func (m *MQTT) Close() error {
	m.p.close()
	return nil
}
