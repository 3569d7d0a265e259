package stages

import (
	"context"

	"github.com/privacypoint/docflow/core"
)

// NewReviewGate builds the human supervision capability. The engine never
// schedules it on its own; it runs when a reviewer submits a decision and
// records that decision as the stage's output.
func NewReviewGate() core.Capability {
	return core.CapabilityFunc(func(_ context.Context, snap *core.Snapshot) (core.Payload, error) {
		review := snap.Review
		if review == nil {
			return nil, core.Permanentf(core.StageHumanSupervision, "no review decision on snapshot")
		}
		return core.Payload{
			"decision":     string(review.Decision),
			"reviewer_id":  review.ReviewerID,
			"feedback":     review.Feedback,
			"submitted_at": review.SubmittedAt,
		}, nil
	})
}
