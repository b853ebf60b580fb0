// Package access はティアに基づくアクセス可否判定を提供する。
// 判定はI/Oも状態変更も行わないため、アップグレード導線の表示判定などで投機的に呼び出してよい。
package access

import (
	"fmt"

	"github.com/hitoshi/sanctum/internal/model"
)

// Evaluator はティア判定器。
// Strictが真の場合、未定義のティアはプログラミングエラーとしてpanicする（開発環境向け）。
// 偽の場合は拒否として扱う。
type Evaluator struct {
	Strict bool
}

// CanAccess はユーザーがrequiredティアのコンテンツにアクセスできるかを返す。
// adminは常に許可する。userがnilの場合はfreeティアの匿名ユーザーとして扱う。
func (e Evaluator) CanAccess(user *model.User, required model.Tier) bool {
	if user.IsAdmin() {
		return true
	}

	have := model.TierFree
	if user != nil {
		have = user.SubscriptionTier
	}

	haveRank, ok := have.Rank()
	if !ok {
		return e.unknown(have)
	}
	requiredRank, ok := required.Rank()
	if !ok {
		return e.unknown(required)
	}

	return haveRank >= requiredRank
}

// Accessible はユーザーがアクセス可能なティアをランク昇順で返す。
func (e Evaluator) Accessible(user *model.User) []model.Tier {
	tiers := make([]model.Tier, 0, len(model.Tiers))
	for _, t := range model.Tiers {
		if e.CanAccess(user, t) {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

func (e Evaluator) unknown(t model.Tier) bool {
	if e.Strict {
		panic(fmt.Sprintf("access: unknown tier %q", t))
	}
	return false
}

// CanAccess は本番向け（非Strict）の判定器でアクセス可否を返す。
func CanAccess(user *model.User, required model.Tier) bool {
	return Evaluator{}.CanAccess(user, required)
}
