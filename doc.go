// Package mqtt311 provides an MQTT v3.1.1 client engine.
//
// This package implements the MQTT Version 3.1.1 OASIS Standard:
// https://docs.oasis-open.org/mqtt/mqtt/v3.1.1/mqtt-v3.1.1.html
//
// # Features
//
//   - The 14 MQTT v3.1.1 control packet types, with a streaming decoder
//   - QoS 0, 1 and 2 delivery with retransmission and in-flight admission control
//   - Topic matching with wildcard support (+, #) and $-topic isolation
//   - Keep-alive, reconnect with optional exponential backoff
//   - Transport: TCP, TLS, WebSocket, WSS, QUIC, Unix sockets, SOCKS5/HTTP proxies
//
// # Client
//
// A Client is driven by a network loop. Callbacks fire from inside Loop, in
// the order packets arrive:
//
//	client, err := mqtt311.NewClient("sensor-1", true)
//	if err != nil {
//	    return err
//	}
//	client.OnMessage(func(msg *mqtt311.Message) {
//	    fmt.Printf("%s: %s\n", msg.Topic, msg.Payload)
//	})
//
//	if err := client.Connect(ctx, "localhost", 1883, 60, ""); err != nil {
//	    return err
//	}
//	if _, err := client.Subscribe("sensors/#", 1); err != nil {
//	    return err
//	}
//
//	// Runs until ExitLoop or Disconnect, reconnecting after failures.
//	err = client.LoopForever(ctx, time.Second)
//
// TLS with a private CA:
//
//	client.SetTLSCertificates("/etc/mqtt/ca.pem", "", "", "")
//	client.Connect(ctx, "broker.example.com", 8883, 60, "")
//
// WebSocket transport:
//
//	client, err := mqtt311.NewClient("", true, mqtt311.WithTransport(mqtt311.TransportWS))
//
// # Errors
//
// Failures are reported as *ConfigError, *UsageError, *NetworkError,
// *ProtocolError or *RefusedError. Each also matches a category sentinel:
//
//	if errors.Is(err, mqtt311.ErrRefused) {
//	    var refused *mqtt311.RefusedError
//	    errors.As(err, &refused)
//	    log.Println(refused.Code)
//	}
//
// # Packets
//
// Use ReadPacket and WritePacket to read/write packets from/to connections,
// or DecodePacket to parse a buffer that may hold a partial packet:
//
//	pkt, n, err := mqtt311.DecodePacket(buf, 0)
//	if pkt == nil && err == nil {
//	    // need more bytes
//	}
//
// # Topics
//
//	mqtt311.TopicMatchesSub("sport/tennis/player1", "sport/+/player1") // true
//	mqtt311.TokeniseTopic("a//b")                                       // ["a" "" "b"]
package mqtt311
