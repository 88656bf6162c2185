package presence

import (
	"fmt"
	"strconv"
)

const (
	driversGeoKey = "drivers:geo"
	lastSeenKey   = "driver:lastSeen"
)

func driverKey(id string) string       { return "driver:" + id }
func driverCellsKey(id string) string  { return "driver:" + id + ":cells" }
func driverOffersKey(id string) string { return "driver:" + id + ":offers" }
func driverOrdersKey(id string) string { return "driver:" + id + ":orders" }
func driverLocLockKey(id string) string {
	return "driver:" + id + ":loclock"
}
func serviceGeoKey(serviceID string) string { return "drivers:geo:service:" + serviceID }
func clusterKey(res int, cell string) string {
	return fmt.Sprintf("cluster:%d:%s", res, cell)
}

func riderKey(id string) string       { return "rider:" + id }
func riderOrdersKey(id string) string { return "rider:" + id + ":orders" }

func resField(res int) string { return strconv.Itoa(res) }
