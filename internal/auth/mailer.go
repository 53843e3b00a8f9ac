// AngelaMos | 2026
// mailer.go

package auth

import (
	"context"
	"log/slog"
)

type Mailer interface {
	SendOTP(ctx context.Context, email, code string, purpose OTPPurpose) error
}

// LogMailer writes codes to the log instead of sending mail. Development
// only.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendOTP(
	ctx context.Context,
	email, code string,
	purpose OTPPurpose,
) error {
	m.logger.InfoContext(ctx, "verification code issued",
		"email", email,
		"purpose", string(purpose),
		"code", code,
	)
	return nil
}
