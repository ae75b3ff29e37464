package dump

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blastware/sqlrollback/internal/models"
)

// timeLayout is how DATETIME and TIMESTAMP values scanned as time.Time are written back.
const timeLayout = "2006-01-02 15:04:05.999999"

// SerializeValue renders one cell as a SQL literal. NULL is unquoted for every column,
// integer-family columns are written bare, everything else becomes an escaped single-quoted
// string whose line breaks are the two characters `\n` so the dump stays line-oriented.
func SerializeValue(v any, class models.StorageClass) string {
	if v == nil {
		return "NULL"
	}

	text := valueText(v)
	if class == models.StorageInteger {
		return text
	}
	return "'" + EscapeString(text) + "'"
}

func valueText(v any) string {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case bool:
		if val {
			return "1"
		}
		return "0"
	case time.Time:
		return val.Format(timeLayout)
	default:
		return fmt.Sprint(val)
	}
}

// EscapeString escapes s for use inside a MySQL single-quoted literal.
func EscapeString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/8)

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case 0:
			b.WriteString(`\0`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '"':
			b.WriteString(`\"`)
		case 0x1a:
			b.WriteString(`\Z`)
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}
