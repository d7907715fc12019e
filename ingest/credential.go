package ingest

import (
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// NewClientSecretCredential builds the azcore.TokenCredential for app
// registration (tenant/client id/secret) auth, the most common non-interactive
// path for a service principal talking to a cluster.
func NewClientSecretCredential(tenantID, clientID, clientSecret string) (azcore.TokenCredential, error) {
	return azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
}

// NewManagedIdentityCredential builds a credential for workloads running on
// Azure infrastructure (VM, AKS, Functions) with a system- or user-assigned
// identity. clientID selects a user-assigned identity; leave it empty for
// the system-assigned one.
func NewManagedIdentityCredential(clientID string) (azcore.TokenCredential, error) {
	opts := &azidentity.ManagedIdentityCredentialOptions{}
	if clientID != "" {
		opts.ID = azidentity.ClientID(clientID)
	}
	return azidentity.NewManagedIdentityCredential(opts)
}

// NewAzureCLICredential builds a credential that shells out to `az account
// get-access-token`, convenient for local development against a real
// cluster without provisioning an app registration.
func NewAzureCLICredential() (azcore.TokenCredential, error) {
	return azidentity.NewAzureCLICredential(nil)
}

// NewDefaultCredential chains the credential sources azidentity.DefaultAzureCredential
// tries in order (environment, managed identity, Azure CLI, ...), for
// callers that don't want to pick one explicitly.
func NewDefaultCredential() (azcore.TokenCredential, error) {
	return azidentity.NewDefaultAzureCredential(nil)
}
