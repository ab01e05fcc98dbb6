package notification

import (
	"bytes"
	"fmt"
	"text/template"
)

// NotificationManager routes notices to registered channels. Each notice
// type maps to the channel templates registered for it; Send delivers over
// every channel that has both a template and a notifier.
type NotificationManager struct {
	notifiers map[NotificationSystem]Notifier
	registry  map[NoticeType]map[NotificationSystem]NoticeTemplate
}

func NewNotificationManager() *NotificationManager {
	return &NotificationManager{
		notifiers: make(map[NotificationSystem]Notifier),
		registry:  make(map[NoticeType]map[NotificationSystem]NoticeTemplate),
	}
}

// RegisterNotifier registers a notifier for a delivery channel.
func (nm *NotificationManager) RegisterNotifier(system NotificationSystem, notifier Notifier) {
	nm.notifiers[system] = notifier
}

// RegisterNotification adds a template for a notice type on a channel.
func (nm *NotificationManager) RegisterNotification(noticeType NoticeType, system NotificationSystem, tmpl NoticeTemplate) error {
	if noticeType == "" || system == "" {
		return fmt.Errorf("invalid input: notice type and system cannot be empty")
	}
	if _, exists := nm.registry[noticeType]; !exists {
		nm.registry[noticeType] = make(map[NotificationSystem]NoticeTemplate)
	}
	nm.registry[noticeType][system] = tmpl
	return nil
}

// Send delivers a notice over every channel that has a template registered
// for it. Text templates are rendered into the body here; HTML rendering
// is left to the email notifier.
func (nm *NotificationManager) Send(noticeType NoticeType, notification NotificationData) error {
	systemTemplates, exists := nm.registry[noticeType]
	if !exists {
		return fmt.Errorf("no templates registered for notice type: %s", noticeType)
	}

	sent := false
	for system, tmpl := range systemTemplates {
		notifier, exists := nm.notifiers[system]
		if !exists {
			continue
		}
		msg := notification
		if msg.Subject == "" {
			msg.Subject = tmpl.Subject
		}
		if msg.Body == "" && tmpl.Text != "" {
			body, err := renderText(tmpl.Text, notification.Data)
			if err != nil {
				return fmt.Errorf("failed to render %s template for %s: %w", system, noticeType, err)
			}
			msg.Body = body
		}
		if err := notifier.Send(noticeType, msg, tmpl); err != nil {
			return fmt.Errorf("failed to send %s notice over %s: %w", noticeType, system, err)
		}
		sent = true
	}

	if !sent {
		return fmt.Errorf("no notifier registered for notice type: %s", noticeType)
	}
	return nil
}

func renderText(text string, data map[string]string) (string, error) {
	tmpl, err := template.New("text").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
