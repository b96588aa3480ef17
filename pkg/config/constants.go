package config

const EnvPrefix = "BILLING"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv            = "BILLING_APP_ENV"
	EnvPort              = "BILLING_APP_PORT"
	EnvDBDSN             = "BILLING_DB_DSN"
	EnvDBHost            = "BILLING_DB_HOST"
	EnvDBUser            = "BILLING_DB_USER"
	EnvDBName            = "BILLING_DB_NAME"
	EnvRedisURL          = "BILLING_REDIS_URL"
	EnvIdentitySecret    = "BILLING_IDENTITY_JWT_SECRET"
	EnvIdentityIssuer    = "BILLING_IDENTITY_ISSUER"
	EnvGatewayMerchantID = "BILLING_GATEWAY_MERCHANT_ID"
	EnvGatewayCallback   = "BILLING_GATEWAY_CALLBACK_URL"
	EnvDispatchEndpoints = "BILLING_DISPATCH_ENDPOINTS"
	EnvWebhookCIDRs      = "BILLING_WEBHOOK_ALLOWED_CIDRS"

	EnvDispatchDefaultRetries = "BILLING_DISPATCH_DEFAULT_RETRIES"
)

var discreteDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
