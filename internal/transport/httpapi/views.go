package httpapi

import (
	"time"

	"postpilot/internal/domain"
)

type postView struct {
	ID              string     `json:"id"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	Status          string     `json:"status"`
	Caption         string     `json:"caption,omitempty"`
	ImageURL        string     `json:"image_url,omitempty"`
	ExternalPostID  string     `json:"external_post_id,omitempty"`
	ExternalPostURL string     `json:"external_post_url,omitempty"`
	PostedAt        *time.Time `json:"posted_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreditsCharged  string     `json:"credits_charged"`
	CreatedAt       time.Time  `json:"created_at"`
}

func viewPost(p domain.ScheduledPost) postView {
	return postView{
		ID:              p.ID,
		ScheduledAt:     p.ScheduledAt,
		Status:          p.Status.String(),
		Caption:         p.Caption,
		ImageURL:        p.ImageURL,
		ExternalPostID:  p.ExternalPostID,
		ExternalPostURL: p.ExternalPostURL,
		PostedAt:        p.PostedAt,
		ErrorMessage:    p.ErrorMessage,
		CreditsCharged:  p.CreditsCharged.String(),
		CreatedAt:       p.CreatedAt,
	}
}

func viewPosts(ps []domain.ScheduledPost) []postView {
	out := make([]postView, 0, len(ps))
	for _, p := range ps {
		out = append(out, viewPost(p))
	}
	return out
}

type txView struct {
	ID           string    `json:"id"`
	Amount       string    `json:"amount"`
	BalanceAfter string    `json:"balance_after"`
	Description  string    `json:"description"`
	PostID       string    `json:"post_id,omitempty"`
	PaymentRef   string    `json:"payment_ref,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func viewHistory(txs []domain.CreditTransaction) []txView {
	out := make([]txView, 0, len(txs))
	for _, t := range txs {
		out = append(out, txView{
			ID:           t.ID,
			Amount:       t.Amount.String(),
			BalanceAfter: t.BalanceAfter.String(),
			Description:  t.Description,
			PostID:       t.PostID,
			PaymentRef:   t.PaymentRef,
			CreatedAt:    t.CreatedAt,
		})
	}
	return out
}
