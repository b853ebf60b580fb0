package model

// Tier はコンテンツへのアクセス範囲を決めるサブスクリプションのランク。
// free < seeker < initiate < elder の全順序を持つ。
type Tier string

const (
	TierFree     Tier = "free"
	TierSeeker   Tier = "seeker"
	TierInitiate Tier = "initiate"
	TierElder    Tier = "elder"
)

// Tiers はランク昇順の全ティア。
var Tiers = []Tier{TierFree, TierSeeker, TierInitiate, TierElder}

// Rank はティアの順位を返す。未定義のティアの場合はfalseを返す。
func (t Tier) Rank() (int, bool) {
	switch t {
	case TierFree:
		return 0, true
	case TierSeeker:
		return 1, true
	case TierInitiate:
		return 2, true
	case TierElder:
		return 3, true
	default:
		return -1, false
	}
}

// Valid は定義済みのティアかどうかを返す。
func (t Tier) Valid() bool {
	_, ok := t.Rank()
	return ok
}

// ParseTier は文字列をティアに変換する。
func ParseTier(s string) (Tier, bool) {
	t := Tier(s)
	return t, t.Valid()
}
