package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

const tokenEndpoint = "https://api.x.com/2/oauth2/token"

// XRefresher exercises X's OAuth2 refresh grant. The authorization-code
// exchange happens in the external front end; this service only ever needs
// the refresh leg.
type XRefresher struct {
	conf *oauth2.Config
}

func NewXRefresher(clientID, clientSecret string) *XRefresher {
	return &XRefresher{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenEndpoint,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
	}
}

// RefreshToken exchanges a refresh token for a new token pair. The returned
// token's Expiry is already absolute; RefreshToken may be empty when the
// provider chose not to rotate it.
func (x *XRefresher) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("empty refresh token")
	}
	ts := x.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, err
	}
	return tok, nil
}
