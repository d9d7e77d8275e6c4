package hubspotsync

import "encoding/json"

// Deal is the wire shape of a HubSpot CRM deal.
type Deal struct {
	ID         string         `json:"id"`
	Properties DealProperties `json:"properties"`
}

type DealProperties struct {
	DealName       string      `json:"dealname"`
	Amount         json.Number `json:"amount"`
	CloseDate      string      `json:"closedate"`
	DealStage      string      `json:"dealstage"`
	Pipeline       string      `json:"pipeline"`
	Projektnummer  string      `json:"projektnummer"`
	KvNummer       string      `json:"kvnummer"`
	HubspotOwnerID string      `json:"hubspot_owner_id"`
	CompanyID      string      `json:"associatedcompanyid"`
}

type Company struct {
	ID         string `json:"id"`
	Properties struct {
		Name string `json:"name"`
	} `json:"properties"`
}

type Owner struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// WebhookEvent is one element of the webhook payload array HubSpot posts.
type WebhookEvent struct {
	EventID          int64  `json:"eventId"`
	SubscriptionType string `json:"subscriptionType"`
	PortalID         int64  `json:"portalId"`
	ObjectID         int64  `json:"objectId"`
	PropertyName     string `json:"propertyName"`
	PropertyValue    string `json:"propertyValue"`
	OccurredAt       int64  `json:"occurredAt"`
}
