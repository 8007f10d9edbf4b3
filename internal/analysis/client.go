package analysis

import "context"

// Part is one piece of a multimodal prompt: either text or a PNG image.
type Part struct {
	Text string
	PNG  []byte
}

// Request is a single vision completion request.
type Request struct {
	System    string
	Parts     []Part
	MaxTokens int
}

// Response carries the model's textual reply.
type Response struct {
	Content string
}

// ChatClient abstracts the vendor envelope. One request per item; no
// retries at this layer.
type ChatClient interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
