package audit

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// computeChecksum 按固定字段顺序计算 BLAKE2b-256 摘要（不含自增 ID）
func computeChecksum(e *AuditEvent) string {
	var b strings.Builder
	write := func(s string) {
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
		b.WriteByte('|')
	}
	write(e.Username())
	if e.ActorID != nil {
		write(*e.ActorID)
	} else {
		write("")
	}
	write(string(e.OperationType))
	write(string(e.OperationModule))
	write(e.ModuleTag)
	write(e.Description)
	write(e.IPAddress)
	write(e.UserAgent)
	write(snapshotText(e.RequestData))
	write(snapshotText(e.ResponseData))
	write(string(e.Status))
	write(e.ErrorText())
	write(strconv.FormatInt(e.ExecutionTimeMs, 10))
	if e.CorrectsID != nil {
		write(strconv.FormatUint(*e.CorrectsID, 10))
	} else {
		write("")
	}
	write(e.CreatedAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano))

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// snapshotText 空快照与 JSON null 视为相同
func snapshotText(b []byte) string {
	if s := string(b); s != "null" {
		return s
	}
	return ""
}

// VerifyChecksum 校验事件内容是否与写入时一致
func VerifyChecksum(e *AuditEvent) bool {
	if e == nil || e.Checksum == "" {
		return false
	}
	return computeChecksum(e) == e.Checksum
}
