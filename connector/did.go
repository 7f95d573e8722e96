package connector

import (
	"context"
	"encoding/json"
)

// URL intents handled by the host's identity module
const (
	IntentRequestCredentials   = "https://did.elastos.net/requestcredentials"
	IntentImportCredentials    = "https://did.elastos.net/credimport"
	IntentDeleteCredentials    = "https://did.elastos.net/creddelete"
	IntentIssueCredential      = "https://did.elastos.net/credissue"
	IntentAppIDCredential      = "https://did.elastos.net/appidcredissue"
	IntentSetHiveProvider      = "https://did.elastos.net/sethiveprovider"
	IntentHiveBackupCredential = "https://did.elastos.net/hivebackupcredissue"
)

// ImportOptions tunes ImportCredentials
type ImportOptions struct {
	// ForceToPublishCredentials asks the host to publish the imported credentials
	ForceToPublishCredentials bool
}

// IssueCredentialRequest describes a credential to issue to a holder
type IssueCredentialRequest struct {
	Holder         string
	Types          []string
	Subject        interface{}
	Identifier     string
	ExpirationDate string
}

// signDataRequest is the payload of OpSignData
type signDataRequest struct {
	Data               string      `json:"data"`
	JWTExtra           interface{} `json:"jwtExtra,omitempty"`
	SignatureFieldName string      `json:"signatureFieldName,omitempty"`
}

// GetCredentials asks the host for a presentation matching query.
// The presentation is returned as the host encoded it.
func (c *Connector) GetCredentials(ctx context.Context, query interface{}) (json.RawMessage, error) {
	presentation, err := call[json.RawMessage](ctx, c, OpGetCredentials, query)
	if err != nil {
		return nil, err
	}
	if !present(presentation) {
		return nil, ErrEmptyResult
	}
	return presentation, nil
}

// SignData asks the host to sign data with the user's DID
func (c *Connector) SignData(ctx context.Context, data string, jwtExtra interface{}, signatureFieldName string) (json.RawMessage, error) {
	signed, err := call[json.RawMessage](ctx, c, OpSignData, signDataRequest{
		Data:               data,
		JWTExtra:           jwtExtra,
		SignatureFieldName: signatureFieldName,
	})
	if err != nil {
		return nil, err
	}
	if !present(signed) {
		return nil, ErrEmptyResult
	}
	return signed, nil
}

// RequestCredentials asks the user to disclose the credentials described by request
func (c *Connector) RequestCredentials(ctx context.Context, request interface{}) (json.RawMessage, error) {
	response, err := intent[struct {
		Presentation json.RawMessage `json:"presentation"`
	}](ctx, c, IntentRequestCredentials, map[string]interface{}{
		"request": request,
	})
	if err != nil {
		return nil, err
	}
	if !present(response.Presentation) {
		return nil, ErrEmptyResult
	}
	return response.Presentation, nil
}

// ImportCredentials stores credentials in the user's identity and returns
// the ids the host imported them under
func (c *Connector) ImportCredentials(ctx context.Context, credentials []json.RawMessage, opts ImportOptions) ([]string, error) {
	params := map[string]interface{}{
		"credentials": credentials,
	}
	if opts.ForceToPublishCredentials {
		params["forceToPublishCredentials"] = true
	}

	response, err := intent[struct {
		ImportedCredentials []string `json:"importedcredentials"`
	}](ctx, c, IntentImportCredentials, params)
	if err != nil {
		return nil, err
	}
	if response.ImportedCredentials == nil {
		return nil, ErrEmptyResult
	}
	return response.ImportedCredentials, nil
}

// DeleteCredentials removes credentials by id and returns the ids the host deleted
func (c *Connector) DeleteCredentials(ctx context.Context, credentialIDs []string, options interface{}) ([]string, error) {
	params := map[string]interface{}{
		"credentialsids": credentialIDs,
	}
	if options != nil {
		params["options"] = options
	}

	response, err := intent[struct {
		DeletedCredentialIDs []string `json:"deletedcredentialsids"`
	}](ctx, c, IntentDeleteCredentials, params)
	if err != nil {
		return nil, err
	}
	if response.DeletedCredentialIDs == nil {
		return nil, ErrEmptyResult
	}
	return response.DeletedCredentialIDs, nil
}

// IssueCredential asks the user to issue a credential to req.Holder
func (c *Connector) IssueCredential(ctx context.Context, req IssueCredentialRequest) (json.RawMessage, error) {
	params := map[string]interface{}{
		"subjectdid": req.Holder,
		"types":      req.Types,
		"properties": req.Subject,
	}
	if req.Identifier != "" {
		params["identifier"] = req.Identifier
	}
	if req.ExpirationDate != "" {
		params["expirationDate"] = req.ExpirationDate
	}

	return c.credentialIntent(ctx, IntentIssueCredential, params)
}

// GenerateAppIDCredential asks the host for a credential binding an app instance DID to an app DID
func (c *Connector) GenerateAppIDCredential(ctx context.Context, appInstanceDID, appDID string) (json.RawMessage, error) {
	return c.credentialIntent(ctx, IntentAppIDCredential, map[string]interface{}{
		"appinstancedid": appInstanceDID,
		"appdid":         appDID,
	})
}

// UpdateHiveVaultAddress asks the user to switch their storage provider and returns the host's status
func (c *Connector) UpdateHiveVaultAddress(ctx context.Context, vaultAddress, displayName string) (string, error) {
	response, err := intent[struct {
		Status string `json:"status"`
	}](ctx, c, IntentSetHiveProvider, map[string]interface{}{
		"address": vaultAddress,
		"name":    displayName,
	})
	if err != nil {
		return "", err
	}
	if response.Status == "" {
		return "", ErrEmptyResult
	}
	return response.Status, nil
}

// GenerateHiveBackupCredential asks the host for a credential allowing a storage node backup
func (c *Connector) GenerateHiveBackupCredential(ctx context.Context, sourceHiveNodeDID, targetHiveNodeDID, targetNodeURL string) (json.RawMessage, error) {
	return c.credentialIntent(ctx, IntentHiveBackupCredential, map[string]interface{}{
		"sourceHiveNodeDID": sourceHiveNodeDID,
		"targetHiveNodeDID": targetHiveNodeDID,
		"targetNodeURL":     targetNodeURL,
	})
}

// credentialIntent posts an intent whose answer carries a single credential
func (c *Connector) credentialIntent(ctx context.Context, url string, params map[string]interface{}) (json.RawMessage, error) {
	response, err := intent[struct {
		Credential json.RawMessage `json:"credential"`
	}](ctx, c, url, params)
	if err != nil {
		return nil, err
	}
	if !present(response.Credential) {
		return nil, ErrEmptyResult
	}
	return response.Credential, nil
}
