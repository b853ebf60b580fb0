// Package billing は決済プロバイダーから届くWebhookイベントの検証と、
// ユーザーのサブスクリプション状態への反映を提供する。
package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader は署名を運ぶHTTPヘッダー名。
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance は署名タイムスタンプと現在時刻の許容差。
const DefaultTolerance = 5 * time.Minute

// ErrInvalidSignature は署名ヘッダーが欠落・不正・期限切れであることを示す。
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier は "t=<unix>,v1=<hex>" 形式の署名ヘッダーを検証する。
// v1 = HMAC-SHA256(secret, "<t>.<body>")。
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier はVerifierを生成する。toleranceが0以下の場合はDefaultToleranceを使う。
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// WithClock はテスト用に時刻関数を差し替える。
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify はpayloadとヘッダーの署名を照合する。
// シークレットのローテーション中は複数のv1が並ぶため、いずれかが一致すれば有効とする。
func (v *Verifier) Verify(payload []byte, header string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: secret is not configured", ErrInvalidSignature)
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	skew := v.now().Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := computeSignature(v.secret, timestamp, payload)
	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

// SignPayload はpayloadに対する署名ヘッダー値を生成する。
// 手動照合ツールとテストで使う。
func SignPayload(secret string, at time.Time, payload []byte) string {
	sig := computeSignature([]byte(secret), at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(sig))
}

func parseSignatureHeader(header string) (int64, [][]byte, error) {
	if header == "" {
		return 0, nil, fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}

	var (
		timestamp  int64
		hasTime    bool
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
			}
			timestamp, hasTime = ts, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				// 他のv1が一致する可能性があるため無視して続行
				continue
			}
			signatures = append(signatures, sig)
		}
	}

	if !hasTime || len(signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: incomplete header", ErrInvalidSignature)
	}
	return timestamp, signatures, nil
}

func computeSignature(secret []byte, timestamp int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}
