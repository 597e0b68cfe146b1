package mqttbroker

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const testSecret = "iot-secret"

func startBroker(t *testing.T, opts ...Option) (*Broker, chan PublishMessage) {
	t.Helper()
	received := make(chan PublishMessage, 16)
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	b.SetPublishHandler(func(_ context.Context, msg PublishMessage) {
		received <- msg
	})
	if _, err := b.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return b, received
}

func passwordAuth(c Credentials) error {
	if c.Password == nil {
		return ErrNotAuthorized
	}
	if *c.Password != testSecret {
		return ErrBadCredentials
	}
	return nil
}

func pahoClient(t *testing.T, b *Broker, user, password string) mqtt.Client {
	t.Helper()
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + b.Addr().String()).
		SetClientID("test-" + t.Name()).
		SetProtocolVersion(4).
		SetAutoReconnect(false).
		SetConnectTimeout(2 * time.Second)
	if user != "" {
		opts.SetUsername(user).SetPassword(password)
	}
	return mqtt.NewClient(opts)
}

func TestBroker_PublishReachesHandler(t *testing.T) {
	b, received := startBroker(t, WithAuthenticator(passwordAuth))

	c := pahoClient(t, b, "n1", testSecret)
	if tok := c.Connect(); !tok.WaitTimeout(2*time.Second) || tok.Error() != nil {
		t.Fatalf("Connect() error: %v", tok.Error())
	}
	defer c.Disconnect(100)

	for _, qos := range []byte{0, 1} {
		tok := c.Publish("telemetry/n1", qos, false, []byte(`{"temperature":21.5,"humidity":40}`))
		if !tok.WaitTimeout(2*time.Second) || tok.Error() != nil {
			t.Fatalf("Publish(qos=%d) error: %v", qos, tok.Error())
		}

		select {
		case msg := <-received:
			if msg.Topic != "telemetry/n1" || msg.Username != "n1" || msg.QoS != qos {
				t.Errorf("received %+v", msg)
			}
			if msg.ClientID != "test-"+t.Name() {
				t.Errorf("ClientID = %q", msg.ClientID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("handler not invoked for qos %d", qos)
		}
	}
}

func TestBroker_RejectsWrongPassword(t *testing.T) {
	b, _ := startBroker(t, WithAuthenticator(passwordAuth))

	c := pahoClient(t, b, "n1", "guess")
	tok := c.Connect()
	if !tok.WaitTimeout(2 * time.Second) {
		t.Fatal("Connect() timed out")
	}
	if tok.Error() == nil {
		c.Disconnect(0)
		t.Fatal("Connect() with wrong password should fail")
	}
}

func TestBroker_ConnackCodes(t *testing.T) {
	tests := []struct {
		name     string
		user     *string
		password *string
		want     byte
	}{
		{"accepted", strp("n1"), strp(testSecret), connAccepted},
		{"missing password", strp("n1"), nil, connNotAuthorized},
		{"wrong password", strp("n1"), strp("nope"), connBadCredentials},
		{"password only", nil, strp(testSecret), connAccepted},
	}

	b, _ := startBroker(t, WithAuthenticator(passwordAuth))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, b)
			writeRaw(t, conn, connectPacketBytes("raw", tt.user, tt.password))
			if got := readConnack(t, conn); got != tt.want {
				t.Errorf("CONNACK code = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestBroker_PublishBeforeConnectCloses(t *testing.T) {
	b, received := startBroker(t)
	conn := dial(t, b)

	// PUBLISH qos 0, topic "t", payload "x"
	writeRaw(t, conn, []byte{0x30, 0x04, 0x00, 0x01, 't', 'x'})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection should be closed")
	}
	select {
	case msg := <-received:
		t.Errorf("handler invoked for unauthenticated publish: %+v", msg)
	default:
	}
}

func TestBroker_SubscribeRefused(t *testing.T) {
	b, _ := startBroker(t)
	c := pahoClient(t, b, "", "")
	if tok := c.Connect(); !tok.WaitTimeout(2*time.Second) || tok.Error() != nil {
		t.Fatalf("Connect() error: %v", tok.Error())
	}
	defer c.Disconnect(100)

	tok := c.Subscribe("telemetry/#", 0, nil)
	if !tok.WaitTimeout(2 * time.Second) {
		t.Fatal("Subscribe() timed out")
	}
	st, ok := tok.(*mqtt.SubscribeToken)
	if !ok {
		t.Fatalf("token type %T", tok)
	}
	if rc := st.Result()["telemetry/#"]; rc != subackFailure {
		t.Errorf("SUBACK code = %#x, want %#x", rc, subackFailure)
	}
}

func TestBroker_OversizedPacketCloses(t *testing.T) {
	b, _ := startBroker(t, WithMaxPacketSize(16))
	conn := dial(t, b)
	writeRaw(t, conn, connectPacketBytes("big", nil, nil))
	if got := readConnack(t, conn); got != connAccepted {
		t.Fatalf("CONNACK code = %#x", got)
	}

	// remaining length 200
	writeRaw(t, conn, []byte{0x30, 0xC8, 0x01})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection should be closed after an oversized packet")
	}
}

func TestBroker_DropsSilentConnections(t *testing.T) {
	b, _ := startBroker(t, WithConnectTimeout(100*time.Millisecond))

	silent := dial(t, b)
	_ = silent.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := silent.Read(make([]byte, 1))
	if ne, ok := err.(net.Error); err == nil || (ok && ne.Timeout()) {
		t.Fatalf("connection without CONNECT still open: %v", err)
	}

	// the connect timeout no longer applies once CONNECT is accepted
	conn := dial(t, b)
	writeRaw(t, conn, connectPacketBytes("c1", nil, nil))
	if got := readConnack(t, conn); got != connAccepted {
		t.Fatalf("CONNACK code = %#x", got)
	}
	time.Sleep(300 * time.Millisecond)
	writeRaw(t, conn, []byte{packetPingreq << 4, 0x00})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("PINGRESP after connect timeout: %v", err)
	}
	if resp[0] != packetPingresp<<4 {
		t.Errorf("response = %#x, want PINGRESP", resp[0])
	}
}

func TestBroker_StopDisconnectsClients(t *testing.T) {
	b, _ := startBroker(t)
	conn := dial(t, b)
	writeRaw(t, conn, connectPacketBytes("c1", nil, nil))
	readConnack(t, conn)

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if n := b.ConnectedClients(); n != 0 {
		t.Errorf("ConnectedClients() = %d after Stop", n)
	}
	if b.Addr() != nil {
		t.Error("Addr() should be nil after Stop")
	}
	// second stop is a no-op
	if err := b.Stop(); err != nil {
		t.Errorf("second Stop() error: %v", err)
	}
}

func strp(s string) *string { return &s }

func dial(t *testing.T, b *Broker) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", b.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeRaw(t *testing.T, conn net.Conn, p []byte) {
	t.Helper()
	if _, err := conn.Write(p); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readConnack(t *testing.T, conn net.Conn) byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(bufio.NewReader(conn), buf); err != nil {
		t.Fatalf("read connack: %v", err)
	}
	if buf[0] != packetConnack<<4 || buf[1] != 0x02 {
		t.Fatalf("not a CONNACK: % x", buf)
	}
	return buf[3]
}

func connectPacketBytes(clientID string, user, password *string) []byte {
	str := func(s string) []byte { return append([]byte{byte(len(s) >> 8), byte(len(s))}, s...) }

	var flags byte = 0x02
	body := append(str("MQTT"), 4)
	var tail []byte
	tail = append(tail, str(clientID)...)
	if user != nil {
		flags |= connectFlagUsername
		tail = append(tail, str(*user)...)
	}
	if password != nil {
		flags |= connectFlagPassword
		tail = append(tail, str(*password)...)
	}
	body = append(body, flags, 0x00, 0x3C)
	body = append(body, tail...)

	packet := []byte{packetConnect << 4}
	packet = append(packet, encodeRemainingLength(len(body))...)
	return append(packet, body...)
}
