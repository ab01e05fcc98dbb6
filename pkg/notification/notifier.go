// Package notification delivers one-time codes and recovery notices to
// users over email and SMS. Channels implement the Notifier interface, a
// manager routes each notice type to the channels that have a registered
// template.
package notification

// NotificationSystem identifies a delivery channel.
type NotificationSystem string

const (
	EmailSystem NotificationSystem = "email"
	SMSSystem   NotificationSystem = "sms"
)

// NoticeType identifies what is being sent.
type NoticeType string

const (
	// TwofaCodeNoticeEmail carries a login challenge code over email.
	TwofaCodeNoticeEmail NoticeType = "twofa_code_email"
	// TwofaCodeNoticeSms carries a login challenge code over SMS.
	TwofaCodeNoticeSms NoticeType = "twofa_code_sms"
	// RecoveryApprovalNotice carries the out-of-band approval code for a
	// recovery request.
	RecoveryApprovalNotice NoticeType = "recovery_approval"
	// RecoveryCompletedNotice tells the user their two-factor settings were
	// reset through recovery.
	RecoveryCompletedNotice NoticeType = "recovery_completed"
)

// NotificationData is the per-message payload.
type NotificationData struct {
	To      string            // Recipient address or phone number
	Subject string            // Optional subject override
	Body    string            // Rendered content, filled by the manager for text channels
	Data    map[string]string // Template variables
}

// NoticeTemplate holds the renderable content for one notice on one channel.
type NoticeTemplate struct {
	Subject string
	Text    string
	Html    string
}

// Notifier sends a rendered notice over one channel.
type Notifier interface {
	Send(noticeType NoticeType, notification NotificationData, template NoticeTemplate) error
}
