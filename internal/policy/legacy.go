package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/hearthguard/hearthd/internal/domain"
)

// ToLegacy projects a policy surface onto the flattened legacy record.
// The legacy record is always derivable from the surface and is never the
// source of truth when a surface is present.
func ToLegacy(s *domain.PolicySurface) *domain.LegacyPolicy {
	if s == nil {
		return nil
	}

	legacy := &domain.LegacyPolicy{
		Mode:              s.Mode,
		DailyLimitMinutes: s.TimeBudget.DailyMinutes,
	}

	for _, w := range s.TimeBudget.Windows {
		switch w.Kind {
		case domain.WindowBedtime:
			legacy.Bedtime = w
		case domain.WindowSchool:
			legacy.School = w
		case domain.WindowHomework:
			legacy.Homework = w
		}
	}

	return legacy
}

// Fingerprint computes a stable digest over the legacy-mapped fields: mode
// plus every limit and window bound. Surface-only version bumps that do not
// change legacy semantics therefore produce the same fingerprint, which is
// what keeps duplicate policy_applied events out of the activity stream.
func Fingerprint(l *domain.LegacyPolicy) string {
	if l == nil {
		return ""
	}

	payload := fmt.Sprintf("mode=%s|limit=%d|bed=%s-%s|school=%s-%s|hw=%s-%s",
		l.Mode, l.DailyLimitMinutes,
		l.Bedtime.Start, l.Bedtime.End,
		l.School.Start, l.School.End,
		l.Homework.Start, l.Homework.End,
	)

	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:8])
}
