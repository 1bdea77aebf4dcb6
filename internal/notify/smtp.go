// Package notify saca las señales de tamper del plano de datos hacia un
// operador humano. Una firma inválida nunca se enmascara: siempre termina
// en un canal que alguien mira.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mail "github.com/go-mail/mail"

	"github.com/dropDatabas3/signet/internal/observability/logger"
)

// SMTPConfig parametriza el canal de alerta por correo.
type SMTPConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	From               string   `yaml:"from"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	Recipients         []string `yaml:"recipients"`
	TLSMode            string   `yaml:"tls_mode"` // "auto" | "starttls" | "ssl" | "none"
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
}

// SMTPNotifier manda alertas de tamper por correo a la lista de guardia.
type SMTPNotifier struct {
	cfg SMTPConfig
}

func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	if cfg.TLSMode == "" {
		cfg.TLSMode = "auto"
	}
	return &SMTPNotifier{cfg: cfg}
}

// TamperSuspected envía la alerta. El envío es best-effort: un SMTP caído
// no puede bloquear el rechazo del mensaje, que ya ocurrió; la falla se
// loguea y el audit log conserva el evento de todas formas.
func (n *SMTPNotifier) TamperSuspected(_ context.Context, messageID, deviceID, detail string) {
	log := logger.Named("notify").With(
		logger.MessageID(messageID), logger.DeviceID(deviceID))

	subject := fmt.Sprintf("[signet] tamper suspected on device %s", deviceID)
	body := fmt.Sprintf(
		"A message failed signature verification.\n\n"+
			"message_id: %s\ndevice_id:  %s\ndetail:     %s\ntime:       %s\n\n"+
			"Check the audit log for the matching tamper_detected entry.\n",
		messageID, deviceID, detail, time.Now().UTC().Format(time.RFC3339))

	m := mail.NewMessage()
	m.SetHeader("From", n.cfg.From)
	m.SetHeader("To", n.cfg.Recipients...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	d := mail.NewDialer(n.cfg.Host, n.cfg.Port, n.cfg.Username, n.cfg.Password)
	d.TLSConfig = &tls.Config{
		ServerName:         n.cfg.Host,
		InsecureSkipVerify: n.cfg.InsecureSkipVerify, // solo dev
	}
	switch n.cfg.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.TLSConfig = &tls.Config{InsecureSkipVerify: n.cfg.InsecureSkipVerify}
	default:
		// "auto"/"starttls": go-mail negocia STARTTLS si corresponde
	}

	if err := d.DialAndSend(m); err != nil {
		log.Error("tamper alert email failed", logger.Err(err))
		return
	}
	log.Info("tamper alert email sent")
}

// NopNotifier descarta las señales (tests, deployments sin SMTP).
type NopNotifier struct{}

func (NopNotifier) TamperSuspected(context.Context, string, string, string) {}
