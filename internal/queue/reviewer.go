package queue

import "context"

type reviewerKey struct{}

// WithReviewer returns a context carrying the reviewer's name, recorded on
// decisions made with it.
func WithReviewer(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, reviewerKey{}, name)
}

// ReviewerFrom returns the reviewer stored by WithReviewer, or "".
func ReviewerFrom(ctx context.Context) string {
	name, _ := ctx.Value(reviewerKey{}).(string)
	return name
}
