package state

import "github.com/resident-x/go-rvc/internal/domain"

// Raw status nibble tables observed on Freedom XC units.
var (
	inverterStatusTable = map[int64]State{
		0:  Off,
		1:  LowPower,
		2:  Inverting,
		3:  Off,
		4:  Absorption,
		5:  Fault,
		6:  Fault,
		7:  Fault,
		8:  Fault,
		9:  Fault,
		10: Fault,
		11: Fault,
	}

	chargerStatusTable = map[int64]State{
		0:  Off,
		1:  Bulk,
		2:  Absorption,
		3:  Float,
		4:  Equalize,
		5:  Storage,
		6:  Fault,
		8:  Passthru,
		9:  Inverting,
		10: Assisting,
		11: PowerSupply,
	}
)

// InverterRules returns the default inverter rule order: heuristics before the status register.
func InverterRules() []Rule {
	return []Rule{
		{
			Name: "assisting",
			When: []Condition{
				{Path: "/Ac/Grid/L1/I", Op: OpNonZero},
				{Path: "/Dc/0/Current", Op: OpLt, Value: 0},
			},
			Result: Assisting,
		},
		{
			Name:   "ac-output-current",
			When:   []Condition{{Path: "/Ac/Out/L1/I", Op: OpGt, Value: 0}},
			Result: Inverting,
		},
		{
			Name:     "status-register",
			Register: &RegisterMap{Path: "/Rvc/InverterStatus", Table: inverterStatusTable},
		},
	}
}

// ChargerRules returns the default charger rule order.
func ChargerRules() []Rule {
	return []Rule{
		{
			Name:   "passthru",
			When:   []Condition{{Path: "/Ac/PassThrough/Active", Op: OpTruthy}},
			Result: Passthru,
		},
		{
			Name:     "status-register",
			Register: &RegisterMap{Path: "/Rvc/ChargerStatus", Table: chargerStatusTable},
		},
	}
}

// Machines builds the inverter and charger machines with the given rule orders.
func Machines(inverterOrder, chargerOrder []string) ([]Machine, error) {
	inv, err := Order(InverterRules(), inverterOrder)
	if err != nil {
		return nil, err
	}
	chg, err := Order(ChargerRules(), chargerOrder)
	if err != nil {
		return nil, err
	}
	return []Machine{
		{Namespace: domain.NamespaceInverter, Rules: inv, FollowMode: true},
		{Namespace: domain.NamespaceCharger, Rules: chg},
	}, nil
}
