package controller

import "context"

// Source signals cooperative cancellation to the tokens derived from it.
// Cancelling a source also cancels every child source.
type Source struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSource(parent context.Context) *Source {
	ctx, cancel := context.WithCancel(parent)
	return &Source{ctx: ctx, cancel: cancel}
}

func (s *Source) Token() Token {
	return Token{ctx: s.ctx}
}

func (s *Source) Cancel() {
	s.cancel()
}

func (s *Source) Child() *Source {
	return NewSource(s.ctx)
}

// Token is a read-only view of a Source. The zero Token is never cancelled.
type Token struct {
	ctx context.Context
}

func (t Token) Context() context.Context {
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

func (t Token) IsCancelled() bool {
	return t.Context().Err() != nil
}

// Done is closed when the token is cancelled.
func (t Token) Done() <-chan struct{} {
	return t.Context().Done()
}
