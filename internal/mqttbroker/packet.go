package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
)

// MQTT 3.1.1 control packet types.
const (
	packetConnect     = 1
	packetConnack     = 2
	packetPublish     = 3
	packetPuback      = 4
	packetSubscribe   = 8
	packetSuback      = 9
	packetUnsubscribe = 10
	packetUnsuback    = 11
	packetPingreq     = 12
	packetPingresp    = 13
	packetDisconnect  = 14
)

// CONNACK return codes.
const (
	connAccepted       byte = 0x00
	connBadProtocol    byte = 0x01
	connBadCredentials byte = 0x04
	connNotAuthorized  byte = 0x05
)

// subackFailure rejects a topic filter in SUBACK.
const subackFailure byte = 0x80

const (
	connectFlagUsername   = 1 << 7
	connectFlagPassword   = 1 << 6
	connectFlagWillRetain = 1 << 5
	connectFlagWillQoS    = 3 << 3
	connectFlagWill       = 1 << 2
	connectFlagReserved   = 1 << 0
)

type connectPacket struct {
	clientID  string
	keepAlive uint16
	username  *string
	password  *string
}

func parseConnect(payload []byte) (connectPacket, byte, error) {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return connectPacket{}, 0, fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return connectPacket{}, 0, fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return connectPacket{}, 0, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return connectPacket{}, connBadProtocol, fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return connectPacket{}, 0, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&connectFlagReserved != 0 {
		return connectPacket{}, 0, fmt.Errorf("reserved connect flag set")
	}
	if flags&(connectFlagWill|connectFlagWillQoS|connectFlagWillRetain) != 0 {
		return connectPacket{}, 0, fmt.Errorf("will messages are not supported")
	}

	var p connectPacket
	if p.keepAlive, err = rd.readUint16(); err != nil {
		return connectPacket{}, 0, fmt.Errorf("read keepalive: %w", err)
	}
	if p.clientID, err = rd.readString(); err != nil {
		return connectPacket{}, 0, fmt.Errorf("read client id: %w", err)
	}
	if flags&connectFlagUsername != 0 {
		u, err := rd.readString()
		if err != nil {
			return connectPacket{}, 0, fmt.Errorf("read username: %w", err)
		}
		p.username = &u
	}
	if flags&connectFlagPassword != 0 {
		pw, err := rd.readString()
		if err != nil {
			return connectPacket{}, 0, fmt.Errorf("read password: %w", err)
		}
		p.password = &pw
	}
	return p, connAccepted, nil
}

func parsePublish(header byte, payload []byte) (PublishMessage, uint16, error) {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return PublishMessage{}, 0, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, 0, fmt.Errorf("read topic: %w", err)
	}

	var packetID uint16
	if qos == 1 {
		if packetID, err = rd.readUint16(); err != nil {
			return PublishMessage{}, 0, fmt.Errorf("read packet id: %w", err)
		}
	}

	msg := PublishMessage{Topic: topic, QoS: qos}
	if rd.remaining() > 0 {
		msg.Payload = rd.readBytes(rd.remaining())
	}
	return msg, packetID, nil
}

// subscribeTopics returns the packet id and topic filters of a
// SUBSCRIBE payload.
func subscribeTopics(payload []byte) (uint16, []string, error) {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}

	var topics []string
	for rd.remaining() > 0 {
		topic, err := rd.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic: %w", err)
		}
		if _, err := rd.readByte(); err != nil {
			return 0, nil, fmt.Errorf("missing qos byte")
		}
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		return 0, nil, fmt.Errorf("subscribe without topics")
	}
	return packetID, topics, nil
}

func buildConnack(code byte) []byte {
	return []byte{packetConnack << 4, 0x02, 0x00, code}
}

func buildAck(packetType byte, packetID uint16) []byte {
	return []byte{packetType << 4, 0x02, byte(packetID >> 8), byte(packetID & 0xFF)}
}

func buildSubAck(packetID uint16, topics int) []byte {
	remaining := 2 + topics
	remainingBytes := encodeRemainingLength(remaining)
	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, packetSuback<<4)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(packetID>>8), byte(packetID&0xFF))
	for i := 0; i < topics; i++ {
		packet = append(packet, subackFailure)
	}
	return packet
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readVarInt(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}
