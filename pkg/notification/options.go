package notification

import (
	"embed"
	"log/slog"
)

//go:embed templates/*
var templateFiles embed.FS

func loadTemplate(filename string) string {
	content, err := templateFiles.ReadFile(filename)
	if err != nil {
		slog.Error("Error reading template file!", "err", err, "filename", filename)
		return ""
	}
	return string(content)
}

// NotificationManagerOption is a function that configures a NotificationManager
type NotificationManagerOption func(*NotificationManager) error

// WithSMTP adds an email notifier with the provided SMTP configuration
func WithSMTP(config SMTPConfig) NotificationManagerOption {
	return func(nm *NotificationManager) error {
		emailNotifier, err := NewEmailNotifier(config)
		if err != nil {
			return err
		}
		nm.RegisterNotifier(EmailSystem, emailNotifier)
		return nil
	}
}

// WithTwilio adds an SMS notifier with the provided Twilio configuration
func WithTwilio(config TwilioConfig) NotificationManagerOption {
	return func(nm *NotificationManager) error {
		nm.RegisterNotifier(SMSSystem, NewSMSNotifier(config))
		return nil
	}
}

// WithTwofaCodeEmailTemplate registers the challenge code email template
func WithTwofaCodeEmailTemplate() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		return nm.RegisterNotification(TwofaCodeNoticeEmail, EmailSystem, NoticeTemplate{
			Subject: "Your verification code",
			Html:    loadTemplate("templates/email/2fa_code_notice.html"),
		})
	}
}

// WithTwofaCodeSmsTemplate registers the challenge code SMS template
func WithTwofaCodeSmsTemplate() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		return nm.RegisterNotification(TwofaCodeNoticeSms, SMSSystem, NoticeTemplate{
			Subject: "Verification code",
			Text:    "Your verification code is: {{.Passcode}}",
		})
	}
}

// WithRecoveryApprovalTemplate registers the recovery approval email template
func WithRecoveryApprovalTemplate() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		return nm.RegisterNotification(RecoveryApprovalNotice, EmailSystem, NoticeTemplate{
			Subject: "Account recovery requested",
			Html:    loadTemplate("templates/email/recovery_approval.html"),
		})
	}
}

// WithRecoveryCompletedTemplate registers the recovery completion email template
func WithRecoveryCompletedTemplate() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		return nm.RegisterNotification(RecoveryCompletedNotice, EmailSystem, NoticeTemplate{
			Subject: "Two-factor authentication reset",
			Html:    loadTemplate("templates/email/recovery_completed.html"),
		})
	}
}

// WithDefaultTemplates registers all default notification templates
func WithDefaultTemplates() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		options := []NotificationManagerOption{
			WithTwofaCodeEmailTemplate(),
			WithTwofaCodeSmsTemplate(),
			WithRecoveryApprovalTemplate(),
			WithRecoveryCompletedTemplate(),
		}
		for _, opt := range options {
			if err := opt(nm); err != nil {
				return err
			}
		}
		return nil
	}
}

// NewNotificationManagerWithOptions creates a new notification manager with the provided options
func NewNotificationManagerWithOptions(opts ...NotificationManagerOption) (*NotificationManager, error) {
	notificationManager := NewNotificationManager()
	for _, opt := range opts {
		if err := opt(notificationManager); err != nil {
			return nil, err
		}
	}
	return notificationManager, nil
}
