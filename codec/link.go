package codec

import "github.com/M-o-a-T/moat-micro/frame"

// Link is a Message-shaped view of a frame.Framer: it encodes/decodes
// every Message that crosses the frame boundary, so everything above this
// point in the stack (reliable, request, dispatch) only ever sees Message
// values, never raw bytes.
type Link struct {
	fr frame.Framer
}

// NewLink wraps fr.
func NewLink(fr frame.Framer) *Link {
	return &Link{fr: fr}
}

// Send encodes and transmits m as a single frame.
func (l *Link) Send(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	return l.fr.Send(b)
}

// Recv blocks for the next frame and decodes it into a Message.
func (l *Link) Recv() (Message, error) {
	b, err := l.fr.Recv()
	if err != nil {
		return Message{}, err
	}
	return Decode(b)
}

// Close closes the underlying framer.
func (l *Link) Close() error {
	return l.fr.Close()
}
