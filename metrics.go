package keygate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes engine counters to Prometheus. A nil *Metrics is a
// valid no-op receiver, so every engine call site stays unconditional.
type Metrics struct {
	loginSuccess      prometheus.Counter
	loginFailure      prometheus.Counter
	loginLocked       prometheus.Counter
	refreshSuccess    prometheus.Counter
	refreshFailure    prometheus.Counter
	revokedRejected   prometheus.Counter
	otpSent           prometheus.Counter
	otpVerified       prometheus.Counter
	otpFailed         prometheus.Counter
	backupConsumed    prometheus.Counter
	sessionsCreated   prometheus.Counter
	sessionsRevoked   prometheus.Counter
	authenticateTimer prometheus.Histogram
}

func NewMetrics(cfg MetricsConfig, reg prometheus.Registerer) (*Metrics, error) {
	if !cfg.Enabled || reg == nil {
		return nil, nil
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		loginSuccess:    counter("login_success_total", "Successful credential logins."),
		loginFailure:    counter("login_failure_total", "Failed credential logins."),
		loginLocked:     counter("login_locked_total", "Logins rejected by the lockout policy."),
		refreshSuccess:  counter("refresh_success_total", "Successful refresh token rotations."),
		refreshFailure:  counter("refresh_failure_total", "Rejected refresh attempts."),
		revokedRejected: counter("revoked_token_rejected_total", "Requests rejected because the presented token was revoked."),
		otpSent:         counter("email_otp_sent_total", "Email one-time codes issued."),
		otpVerified:     counter("email_otp_verified_total", "Email one-time codes verified."),
		otpFailed:       counter("email_otp_failed_total", "Email one-time code verification failures."),
		backupConsumed:  counter("backup_code_consumed_total", "Backup codes consumed."),
		sessionsCreated: counter("sessions_created_total", "Sessions created."),
		sessionsRevoked: counter("sessions_revoked_total", "Sessions revoked."),
		authenticateTimer: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "authenticate_duration_seconds",
			Help:      "Access token verification latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	collectors := []prometheus.Collector{
		m.loginSuccess, m.loginFailure, m.loginLocked,
		m.refreshSuccess, m.refreshFailure, m.revokedRejected,
		m.otpSent, m.otpVerified, m.otpFailed, m.backupConsumed,
		m.sessionsCreated, m.sessionsRevoked, m.authenticateTimer,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func (m *Metrics) LoginSuccess() {
	if m != nil {
		inc(m.loginSuccess)
	}
}

func (m *Metrics) LoginFailure() {
	if m != nil {
		inc(m.loginFailure)
	}
}

func (m *Metrics) LoginLocked() {
	if m != nil {
		inc(m.loginLocked)
	}
}

func (m *Metrics) RefreshSuccess() {
	if m != nil {
		inc(m.refreshSuccess)
	}
}

func (m *Metrics) RefreshFailure() {
	if m != nil {
		inc(m.refreshFailure)
	}
}

func (m *Metrics) RevokedRejected() {
	if m != nil {
		inc(m.revokedRejected)
	}
}

func (m *Metrics) OTPSent() {
	if m != nil {
		inc(m.otpSent)
	}
}

func (m *Metrics) OTPVerified() {
	if m != nil {
		inc(m.otpVerified)
	}
}

func (m *Metrics) OTPFailed() {
	if m != nil {
		inc(m.otpFailed)
	}
}

func (m *Metrics) BackupConsumed() {
	if m != nil {
		inc(m.backupConsumed)
	}
}

func (m *Metrics) SessionCreated() {
	if m != nil {
		inc(m.sessionsCreated)
	}
}

func (m *Metrics) SessionRevoked() {
	if m != nil {
		inc(m.sessionsRevoked)
	}
}

// ObserveAuthenticate records one access token verification duration.
func (m *Metrics) ObserveAuthenticate(d time.Duration) {
	if m == nil || m.authenticateTimer == nil {
		return
	}
	m.authenticateTimer.Observe(d.Seconds())
}
