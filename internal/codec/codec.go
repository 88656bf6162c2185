// Package codec maps domain values to the JSON records kept in the kv store.
// The domain types carry no serialization tags; every stored shape is
// declared here.
package codec

import (
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

func FromCoord(c models.Coord) Coord { return Coord{Lat: c.Lat, Lon: c.Lon} }
func (c Coord) Model() models.Coord  { return models.Coord{Lat: c.Lat, Lon: c.Lon} }

func FromCoords(cs []models.Coord) []Coord {
	out := make([]Coord, len(cs))
	for i, c := range cs {
		out[i] = FromCoord(c)
	}
	return out
}

func ToCoords(cs []Coord) []models.Coord {
	out := make([]models.Coord, len(cs))
	for i, c := range cs {
		out[i] = c.Model()
	}
	return out
}

type Waypoint struct {
	Point          Coord  `json:"point"`
	Address        string `json:"address,omitempty"`
	Role           string `json:"role"`
	Service        string `json:"service"`
	RecipientName  string `json:"recipientName,omitempty"`
	RecipientPhone string `json:"recipientPhone,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
	ShopID         string `json:"shopId,omitempty"`
	ItemCount      int    `json:"itemCount,omitempty"`
}

func FromWaypoints(ws []models.Waypoint) []Waypoint {
	out := make([]Waypoint, len(ws))
	for i, w := range ws {
		r := Waypoint{Point: FromCoord(w.Point), Address: w.Address, Role: w.Role.String()}
		switch s := w.Service.(type) {
		case models.RideStop:
			r.Service = s.ServiceName()
		case models.DeliveryStop:
			r.Service = s.ServiceName()
			r.RecipientName, r.RecipientPhone, r.Instructions = s.RecipientName, s.RecipientPhone, s.Instructions
		case models.ShopStop:
			r.Service = s.ServiceName()
			r.ShopID, r.ItemCount = s.ShopID, s.ItemCount
		}
		out[i] = r
	}
	return out
}

func ToWaypoints(rs []Waypoint) ([]models.Waypoint, error) {
	out := make([]models.Waypoint, len(rs))
	for i, r := range rs {
		role, err := models.ParseWaypointRole(r.Role)
		if err != nil {
			return nil, err
		}
		w := models.Waypoint{Point: r.Point.Model(), Address: r.Address, Role: role}
		switch r.Service {
		case "ride":
			w.Service = models.RideStop{}
		case "delivery":
			w.Service = models.DeliveryStop{RecipientName: r.RecipientName, RecipientPhone: r.RecipientPhone, Instructions: r.Instructions}
		case "shop":
			w.Service = models.ShopStop{ShopID: r.ShopID, ItemCount: r.ItemCount}
		default:
			return nil, fmt.Errorf("waypoint %d: unknown service %q", i, r.Service)
		}
		out[i] = w
	}
	return out, nil
}

type Payment struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref,omitempty"`
}

func FromPayment(m models.PaymentMethod) Payment {
	if m == nil {
		return Payment{}
	}
	return Payment{Kind: string(m.Kind()), Ref: models.PaymentRef(m)}
}

func (p Payment) Model() (models.PaymentMethod, error) {
	return models.NewPaymentMethod(models.PaymentKind(p.Kind), p.Ref)
}

type Candidate struct {
	DriverID       string     `json:"driverId"`
	DistanceMeters float64    `json:"distance"`
	Score          float64    `json:"score"`
	RejectedAt     *time.Time `json:"rejectedAt,omitempty"`
}

func FromCandidates(cs []models.Candidate) []Candidate {
	out := make([]Candidate, len(cs))
	for i, c := range cs {
		out[i] = Candidate(c)
	}
	return out
}

func ToCandidates(cs []Candidate) []models.Candidate {
	out := make([]models.Candidate, len(cs))
	for i, c := range cs {
		out[i] = models.Candidate(c)
	}
	return out
}

type ChatMessage struct {
	ID      string    `json:"id"`
	Sender  string    `json:"sender"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sentAt"`
}

func FromChat(ms []models.ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(ms))
	for i, m := range ms {
		out[i] = ChatMessage{ID: m.ID, Sender: string(m.Sender), Content: m.Content, SentAt: m.SentAt}
	}
	return out
}

func ToChat(ms []ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, len(ms))
	for i, m := range ms {
		out[i] = models.ChatMessage{ID: m.ID, Sender: models.ChatSender(m.Sender), Content: m.Content, SentAt: m.SentAt}
	}
	return out
}
