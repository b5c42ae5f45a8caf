package checkout

// Shipping methods accepted at checkout. Unknown methods ship standard.
const (
	ShippingStandard = "standard"
	ShippingExpress  = "express"
)

// expressFee is 500 pesos expressed in centavos.
const expressFee int64 = 50000

// ShippingFee returns the flat fee for the chosen method.
func ShippingFee(method string) int64 {
	if method == ShippingExpress {
		return expressFee
	}
	return 0
}
