package backend

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aura-webinar/meetings/internal/models"
)

// View is a reconciled snapshot of one meeting.
type View struct {
	Meeting  *models.Meeting  `json:"meeting"`
	Insights *models.Insights `json:"insights"`
	Progress *models.Progress `json:"progress"`
}

// View fetches the meeting, its insights and its progress concurrently.
// The first failure cancels the other requests.
func (c *Client) View(ctx context.Context, id uuid.UUID) (*View, error) {
	var v View
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := c.GetMeeting(ctx, id)
		v.Meeting = m
		return err
	})
	g.Go(func() error {
		ins, err := c.Insights(ctx, id)
		v.Insights = ins
		return err
	})
	g.Go(func() error {
		p, err := c.Progress(ctx, id)
		v.Progress = p
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &v, nil
}
