package derived

import "github.com/resident-x/go-rvc/internal/domain"

// Default returns the inverter and charger relations of a Freedom XC unit.
func Default() Table {
	inv, chg := domain.NamespaceInverter, domain.NamespaceCharger
	return Table{
		{Namespace: inv, Op: Product, Dst: "/Dc/0/Power", Inputs: []string{"/Dc/0/Voltage", "/Dc/0/Current"}, Unit: "W"},
		{Namespace: inv, Op: Product, Dst: "/Ac/In/L1/P", Aliases: []string{"/Ac/ActiveIn/L1/P"}, Inputs: []string{"/Ac/In/L1/V", "/Ac/In/L1/I"}, Unit: "W"},
		{Namespace: inv, Op: Sum, Dst: "/Ac/In/P", Aliases: []string{"/Ac/Grid/P"}, Inputs: []string{"/Ac/In/L1/P"}, Unit: "W"},
		{Namespace: inv, Op: Sum, Dst: "/Ac/In/I", Aliases: []string{"/Ac/Grid/I"}, Inputs: []string{"/Ac/In/L1/I"}, Unit: "A"},
		{Namespace: inv, Op: Sum, Dst: "/Ac/Out/P", Inputs: []string{"/Ac/Out/L1/P"}, Unit: "W"},
		{Namespace: inv, Op: Sum, Dst: "/Ac/Out/I", Inputs: []string{"/Ac/Out/L1/I"}, Unit: "A"},

		{Namespace: chg, Op: Product, Dst: "/Dc/0/Power", Inputs: []string{"/Dc/0/Voltage", "/Dc/0/Current"}, Unit: "W"},
		{Namespace: chg, Op: Product, Dst: "/Dc/Aux/Power", Inputs: []string{"/Dc/Aux/Voltage", "/Dc/Aux/Current"}, Unit: "W"},
		{Namespace: chg, Op: Product, Dst: "/Battery/Power", Inputs: []string{"/Battery/Voltage", "/Battery/Current"}, Unit: "W"},
		{Namespace: chg, Op: Product, Dst: "/Ac/In/L1/P", Aliases: []string{"/Ac/ActiveIn/L1/P"}, Inputs: []string{"/Ac/In/L1/V", "/Ac/In/L1/I"}, Unit: "W"},
		{Namespace: chg, Op: Sum, Dst: "/Dc/Total/P", Inputs: []string{"/Dc/0/Power", "/Dc/Aux/Power"}, Unit: "W", CountPath: "/Dc/Total/Sources"},
	}
}
