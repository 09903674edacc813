package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// 生成随机 ID
func GenerateID() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// GenerateInvoiceNumber 生成发票号，格式 INV-YYYYMMDD-XXXXXXXX
func GenerateInvoiceNumber(t time.Time) string {
	return fmt.Sprintf("INV-%s-%s", t.Format("20060102"), shortUUID())
}

// GenerateBookingNumber 生成预约号
func GenerateBookingNumber(t time.Time) string {
	return fmt.Sprintf("BK-%s-%s", t.Format("20060102"), shortUUID())
}

func shortUUID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// 时间格式化
func FormatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// RoundMoney 金额保留两位小数
func RoundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}
