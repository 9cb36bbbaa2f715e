package logging

import "log/slog"

// Domain identifiers

func Room(id string) slog.Attr {
	return slog.String("room_id", id)
}

func User(id string) slog.Attr {
	return slog.String("user_id", id)
}

func Conn(id string) slog.Attr {
	return slog.String("conn_id", id)
}

func Channel(name string) slog.Attr {
	return slog.String("channel", name)
}

// Request / tracing

func RequestID(id string) slog.Attr {
	return slog.String("request_id", id)
}

func TraceID(id string) slog.Attr {
	return slog.String("trace_id", id)
}

func SpanID(id string) slog.Attr {
	return slog.String("span_id", id)
}

// Error handling

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
