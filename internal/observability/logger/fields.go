package logger

import (
	"time"

	"go.uber.org/zap"
)

// Campos estándar del dominio. Usar siempre estos helpers para que los
// nombres queden consistentes en todos los componentes.

// MessageID crea un campo para el id del mensaje firmado.
func MessageID(v string) zap.Field {
	return zap.String("message_id", v)
}

// TierField crea un campo para el tier del alert.
func TierField(v string) zap.Field {
	return zap.String("tier", v)
}

// DeviceID crea un campo para el device destino.
func DeviceID(v string) zap.Field {
	return zap.String("device_id", v)
}

// KID crea un campo para el identificador de clave.
func KID(v string) zap.Field {
	return zap.String("kid", v)
}

// ApproverID crea un campo para el operador que autoriza.
func ApproverID(v string) zap.Field {
	return zap.String("approver_id", v)
}

// Reason crea un campo para el motivo de un reject.
func Reason(v string) zap.Field {
	return zap.String("reason", v)
}

// Sequence crea un campo para el número de secuencia del audit log.
func Sequence(v uint64) zap.Field {
	return zap.Uint64("sequence", v)
}

// Peer crea un campo para la jurisdicción peer de mutual aid.
func Peer(v string) zap.Field {
	return zap.String("peer", v)
}

// Component crea un campo para identificar el componente emisor.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Err crea un campo para el error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Passthroughs genéricos para no importar zap en los call sites.

func String(k, v string) zap.Field          { return zap.String(k, v) }
func Int(k string, v int) zap.Field         { return zap.Int(k, v) }
func Int64(k string, v int64) zap.Field     { return zap.Int64(k, v) }
func Bool(k string, v bool) zap.Field       { return zap.Bool(k, v) }
func Duration(k string, v time.Duration) zap.Field {
	return zap.Duration(k, v)
}
func Time(k string, v time.Time) zap.Field { return zap.Time(k, v) }
