package mqtt311

import "errors"

// ErrMessageDropped is returned by Publish when a producer interceptor
// discarded the message.
var ErrMessageDropped = errors.New("message dropped by interceptor")

// ProducerInterceptor inspects or rewrites messages before they are published.
// Interceptors run in the order they were configured, each receiving the
// result of the previous one.
type ProducerInterceptor interface {
	// OnSend is called before a message is handed to the delivery engine.
	// Returning nil drops the message.
	//
	// The message is not a copy; use msg.Clone() to keep the original.
	OnSend(msg *Message) *Message
}

// ConsumerInterceptor inspects or rewrites inbound messages before OnMessage.
type ConsumerInterceptor interface {
	// OnConsume is called for every delivered message. Returning nil
	// suppresses the OnMessage callback; the acknowledgment flow is unaffected.
	OnConsume(msg *Message) *Message
}

// ProducerInterceptorFunc adapts a function to ProducerInterceptor.
type ProducerInterceptorFunc func(msg *Message) *Message

// OnSend calls f(msg).
func (f ProducerInterceptorFunc) OnSend(msg *Message) *Message { return f(msg) }

// ConsumerInterceptorFunc adapts a function to ConsumerInterceptor.
type ConsumerInterceptorFunc func(msg *Message) *Message

// OnConsume calls f(msg).
func (f ConsumerInterceptorFunc) OnConsume(msg *Message) *Message { return f(msg) }

// A panicking interceptor is logged and the message passes through unchanged.
func safelyApplyProducerInterceptor(logger Logger, interceptor ProducerInterceptor, msg *Message) (result *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("producer interceptor panic", LogFields{
				LogFieldTopic: msg.Topic,
				"panic":       r,
			})
			result = msg
		}
	}()
	return interceptor.OnSend(msg)
}

func safelyApplyConsumerInterceptor(logger Logger, interceptor ConsumerInterceptor, msg *Message) (result *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("consumer interceptor panic", LogFields{
				LogFieldTopic: msg.Topic,
				"panic":       r,
			})
			result = msg
		}
	}()
	return interceptor.OnConsume(msg)
}

// applyProducerInterceptors runs the chain; a nil result stops it.
func applyProducerInterceptors(logger Logger, interceptors []ProducerInterceptor, msg *Message) *Message {
	current := msg
	for _, interceptor := range interceptors {
		if current == nil {
			return nil
		}
		current = safelyApplyProducerInterceptor(logger, interceptor, current)
	}
	return current
}

// applyConsumerInterceptors runs the chain; a nil result stops it.
func applyConsumerInterceptors(logger Logger, interceptors []ConsumerInterceptor, msg *Message) *Message {
	current := msg
	for _, interceptor := range interceptors {
		if current == nil {
			return nil
		}
		current = safelyApplyConsumerInterceptor(logger, interceptor, current)
	}
	return current
}
