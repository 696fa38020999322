package notifier

// TextNotifier is the only thing the engine knows about alert delivery.
type TextNotifier interface {
	SendText(text string) error
}

// Nop drops every message.
type Nop struct{}

func (Nop) SendText(string) error { return nil }
