package oidc

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

var ErrNoSubject = errors.New("id token has no subject")

// supportedAlgorithms 是身分服務可能使用的簽章演算法
var supportedAlgorithms = []string{oidc.RS256, oidc.ES256, oidc.EdDSA}

// Claims 是驗證後的 ID token 中會用到的欄位
type Claims struct {
	Subject string `json:"sub"`
	Name    string `json:"name"`
	Email   string `json:"email"`
}

// Verifier 驗證外部身分服務簽發的 ID token，只負責驗證不負責登入流程
type Verifier struct {
	idTokenVerifier *oidc.IDTokenVerifier
}

// NewVerifier 從 issuer 的 discovery 文件取得簽章金鑰，金鑰輪替時會自動更新
// clientID 為空時不檢查 aud
func NewVerifier(ctx context.Context, issuerURL, clientID string) (*Verifier, error) {
	const op = "NewVerifier"
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create provider, err=%w", op, err)
	}
	return &Verifier{
		idTokenVerifier: provider.Verifier(&oidc.Config{
			ClientID:             clientID,
			SkipClientIDCheck:    clientID == "",
			SupportedSigningAlgs: supportedAlgorithms,
		}),
	}, nil
}

// NewStaticVerifier 以固定的公鑰驗證，不需要連線到 issuer
func NewStaticVerifier(issuerURL, clientID string, keys ...crypto.PublicKey) *Verifier {
	keySet := &oidc.StaticKeySet{PublicKeys: keys}
	return &Verifier{
		idTokenVerifier: oidc.NewVerifier(issuerURL, keySet, &oidc.Config{
			ClientID:             clientID,
			SkipClientIDCheck:    clientID == "",
			SupportedSigningAlgs: supportedAlgorithms,
		}),
	}
}

// VerifyIDToken 驗證 ID 令牌的有效性並回傳內容
func (v *Verifier) VerifyIDToken(ctx context.Context, rawIDToken string) (Claims, error) {
	const op = "VerifyIDToken"
	idToken, err := v.idTokenVerifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Claims{}, fmt.Errorf("[%s] err=%w", op, err)
	}
	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return Claims{}, fmt.Errorf("[%s] Fail to parse claims, err=%w", op, err)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("[%s] %w", op, ErrNoSubject)
	}
	return claims, nil
}

// Verify 驗證 ID token 並回傳 subject 作為呼叫者
func (v *Verifier) Verify(ctx context.Context, rawIDToken string) (string, error) {
	claims, err := v.VerifyIDToken(ctx, rawIDToken)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
